// Package proxy hosts the token mutator as an HTTP forward proxy.
//
// The scanner is pointed at the proxy. Each request is rendered to raw bytes,
// handed to a Processor as a message from the configured tool, and parsed back
// when the Processor rewrote it. Responses are observed but never changed.
// With MITM enabled, HTTPS requests inside CONNECT tunnels are handled the
// same way.
package proxy
