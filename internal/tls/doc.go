// Package tls manages the certificate authority that signs per-host
// certificates when the intercepting proxy terminates HTTPS.
package tls
