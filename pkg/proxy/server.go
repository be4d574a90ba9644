package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"

	"github.com/polisai/polis-token/pkg/domain"
)

// ToolHeader lets a client attribute a proxied request to a specific tool. The
// header is removed before the request is forwarded.
const ToolHeader = "X-Polis-Tool"

// Processor decides what to send for one observed message.
type Processor interface {
	Process(ctx context.Context, msg domain.Message) domain.Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg domain.Message) domain.Result

// Process calls f(ctx, msg).
func (f ProcessorFunc) Process(ctx context.Context, msg domain.Message) domain.Result {
	return f(ctx, msg)
}

// ScopeChecker is implemented by processors that only change requests from
// some tools. Requests from other tools bypass the exchange lock.
type ScopeChecker interface {
	InScope(tool domain.Tool) bool
}

// Server is an intercepting forward proxy that runs every request through a
// Processor before it reaches the target.
//
// In-scope exchanges run one at a time even though the proxy serves
// connections concurrently: the lock is held from the Processor call until the
// target's response headers arrive, so a fetched token is always consumed by
// the request it was fetched for before the next one is fetched.
type Server struct {
	proxy     *goproxy.ProxyHttpServer
	processor Processor
	scope     ScopeChecker
	tool      domain.Tool
	logger    *slog.Logger

	// mu is held for the whole of one in-scope exchange.
	mu sync.Mutex

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*settings)

type settings struct {
	tool        domain.Tool
	logger      *slog.Logger
	mitm        bool
	ca          *tls.Certificate
	upstreamTLS *tls.Config
	verbose     bool
}

// WithTool attributes requests without a ToolHeader to tool. The default is the scanner.
func WithTool(tool domain.Tool) Option {
	return func(s *settings) { s.tool = tool }
}

// WithLogger sets the logger for proxy diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMITM terminates CONNECT tunnels so HTTPS requests can be rewritten.
// Leaf certificates are signed by ca, or by goproxy's bundled CA when ca is nil.
func WithMITM(ca *tls.Certificate) Option {
	return func(s *settings) {
		s.mitm = true
		s.ca = ca
	}
}

// WithUpstreamTLS sets the TLS configuration used towards targets.
func WithUpstreamTLS(cfg *tls.Config) Option {
	return func(s *settings) { s.upstreamTLS = cfg }
}

// WithVerbose enables goproxy's own request logging at debug level.
func WithVerbose(verbose bool) Option {
	return func(s *settings) { s.verbose = verbose }
}

// New builds a proxy around processor.
func New(processor Processor, opts ...Option) *Server {
	cfg := settings{tool: domain.ToolScanner}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &Server{
		proxy:     goproxy.NewProxyHttpServer(),
		processor: processor,
		tool:      cfg.tool,
		logger:    cfg.logger,
	}

	if scope, ok := processor.(ScopeChecker); ok {
		s.scope = scope
	}

	s.proxy.Verbose = cfg.verbose
	s.proxy.Logger = printfLogger{cfg.logger}
	if cfg.upstreamTLS != nil {
		s.proxy.Tr.TLSClientConfig = cfg.upstreamTLS
	}

	if cfg.mitm {
		if cfg.ca != nil {
			action := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(cfg.ca)}
			s.proxy.OnRequest().HandleConnectFunc(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
				return action, host
			})
		} else {
			s.proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
		}
	}

	s.proxy.OnRequest().DoFunc(s.handleRequest)
	s.proxy.OnResponse().DoFunc(s.handleResponse)

	s.httpServer = &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the proxy as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.proxy
}

// Serve accepts proxy connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("token proxy listening", "address", ln.Addr().String(), "tool", string(s.tool))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// exchange tracks one proxied request between the request and response hooks.
type exchange struct {
	id   string
	tool domain.Tool
}

func (s *Server) handleRequest(req *http.Request, pctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	tool := s.tool
	if header := req.Header.Get(ToolHeader); header != "" {
		req.Header.Del(ToolHeader)
		parsed, err := domain.ParseTool(header)
		if err != nil {
			s.logger.Warn("ignoring tool header", "value", header, "error", err)
		} else {
			tool = parsed
		}
	}

	ex := &exchange{id: uuid.NewString(), tool: tool}
	pctx.UserData = ex

	if s.scope != nil && !s.scope.InScope(tool) {
		return s.process(req, ex), nil
	}
	pctx.RoundTripper = goproxy.RoundTripperFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
		return s.roundTrip(req, ex)
	})
	return req, nil
}

// roundTrip mutates req and sends it while holding the exchange lock.
func (s *Server) roundTrip(req *http.Request, ex *exchange) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy.Tr.RoundTrip(s.process(req, ex))
}

// process returns the request to send for req.
func (s *Server) process(req *http.Request, ex *exchange) *http.Request {
	raw, err := EncodeRequest(req)
	if err != nil {
		s.logger.Warn("request not inspected", "message_id", ex.id, "url", req.URL.String(), "error", err)
		return req
	}

	result := s.processor.Process(req.Context(), domain.Message{
		ID:        ex.id,
		Tool:      ex.tool,
		IsRequest: true,
		Raw:       raw,
	})
	if !result.Modified() {
		return req
	}

	rewritten, err := DecodeRequest(result.Request, req)
	if err != nil {
		s.logger.Warn("rewritten request unusable, sending original", "message_id", ex.id, "error", err)
		return req
	}
	return rewritten
}

func (s *Server) handleResponse(resp *http.Response, pctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		return resp
	}

	head, err := EncodeResponseHead(resp)
	if err != nil {
		return resp
	}

	msg := domain.Message{Tool: s.tool, IsRequest: false, Raw: head}
	if ex, ok := pctx.UserData.(*exchange); ok {
		msg.ID, msg.Tool = ex.id, ex.tool
	}
	ctx := context.Background()
	if pctx.Req != nil {
		ctx = pctx.Req.Context()
	}
	s.processor.Process(ctx, msg)
	return resp
}

type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "goproxy")
}
