// Package download implements the HTTP range client, multipart/byteranges
// parsing, and the pluggable source-resolver contract. A single
// *http.Client is shared across every task so its connection pool and
// keep-alive state are reused, mirroring a single shared rest.Backend
// passed explicitly rather than kept as a package-level global.
package download

import (
	"net/http"
	"time"
)

// Default per-request HTTP timeouts: 30s for response headers, 3 minutes
// for the body. NewClient applies DefaultHeaderTimeout only; no request in
// this module applies DefaultBodyTimeout.
const (
	DefaultHeaderTimeout = 30 * time.Second
	DefaultBodyTimeout   = 3 * time.Minute
)

// NewClient returns a shared *http.Client tuned for many concurrent ranged
// requests against the same origin: keep-alive connection reuse and a
// response-header timeout. It sets no overall or body-read timeout.
func NewClient(maxConnsPerHost int) *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:       maxConnsPerHost,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: DefaultHeaderTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

// Context bundles the values every download operation needs, passed
// explicitly through call sites rather than read from process globals.
type Context struct {
	Client   *http.Client
	Resolver SourceResolver
}
