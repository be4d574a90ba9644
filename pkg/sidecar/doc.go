// Package sidecar runs the token mutator as a standalone service.
//
// It owns the pattern store, the form fetcher and the mutator, and exposes them
// through three listeners: the forward proxy, the intercept and settings API,
// and the admin endpoints for health and Prometheus metrics. Token settings
// changed through the API are persisted and restored on the next start;
// configuration file changes are applied without a restart where possible.
package sidecar
