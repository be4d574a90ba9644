package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	polistls "github.com/polisai/polis-token/internal/tls"
	"github.com/polisai/polis-token/pkg/domain"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the form page once and print the extracted token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newOneShotSidecar(cmd)
			if err != nil {
				return err
			}
			token, err := s.FetchToken(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}

func newMutateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutate [request-file]",
		Short: "Run one raw HTTP request through the mutation cycle",
		Long: `Reads a raw HTTP request from the file argument, or from stdin when no
file is given, and writes the request that would be sent. The outcome is
logged to stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runMutate,
	}
	cmd.Flags().String("tool", string(domain.ToolScanner), "Tool the request is attributed to (name or numeric flag)")
	return cmd
}

func runMutate(cmd *cobra.Command, args []string) error {
	toolFlag, err := cmd.Flags().GetString("tool")
	if err != nil {
		return fmt.Errorf("failed to get tool flag: %w", err)
	}
	tool, err := domain.ParseTool(toolFlag)
	if err != nil {
		return err
	}

	var raw []byte
	if len(args) == 1 {
		//nolint:gosec // Request file is chosen by the operator
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	s, err := newOneShotSidecar(cmd)
	if err != nil {
		return err
	}

	result := s.Process(cmd.Context(), domain.Message{
		ID:        uuid.NewString(),
		Tool:      tool,
		IsRequest: true,
		Raw:       raw,
	})
	if _, err := cmd.OutOrStdout().Write(result.Request); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "outcome: %s\n", result.Outcome)
	return nil
}

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a CA for HTTPS interception by the proxy",
		Args:  cobra.NoArgs,
		RunE:  runCA,
	}
	cmd.Flags().String("cn", "Polis Token Interception CA", "Common name for the certificate")
	cmd.Flags().String("org", "", "Organization name")
	cmd.Flags().Duration("valid-for", 5*365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().Int("key-size", 2048, "RSA key size in bits")
	cmd.Flags().String("cert", "ca.pem", "Output certificate file")
	cmd.Flags().String("key", "ca-key.pem", "Output private key file")
	cmd.Flags().String("output-dir", ".", "Output directory for the files")
	return cmd
}

func runCA(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	cn, _ := flags.GetString("cn")
	org, _ := flags.GetString("org")
	validFor, _ := flags.GetDuration("valid-for")
	keySize, _ := flags.GetInt("key-size")
	certName, _ := flags.GetString("cert")
	keyName, _ := flags.GetString("key")
	outputDir, _ := flags.GetString("output-dir")

	opts := polistls.CAOptions{CommonName: cn, ValidFor: validFor, KeySize: keySize}
	if org != "" {
		opts.Organization = []string{org}
	}

	certPEM, keyPEM, err := polistls.GenerateCA(opts)
	if err != nil {
		return err
	}

	certFile := filepath.Join(outputDir, certName)
	keyFile := filepath.Join(outputDir, keyName)
	if err := polistls.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated interception CA:\n")
	fmt.Fprintf(out, "  Certificate: %s\n", certFile)
	fmt.Fprintf(out, "  Private Key: %s\n", keyFile)
	fmt.Fprintf(out, "Trust the certificate in the scanner, then set proxy.ca_cert_file and proxy.ca_key_file.\n")
	return nil
}
