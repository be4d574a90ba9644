// Package domain defines the core types shared by the token refresh packages.
//
// This package has no dependencies outside the Go standard library. Messages,
// results, diagnostic events, settings and the error taxonomy live here so that
// the pattern store, fetcher, rewriter and orchestrator can be composed without
// importing each other's infrastructure.
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
