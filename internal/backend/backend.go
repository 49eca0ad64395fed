package backend

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoBackends is returned when a pool is built from an empty configuration.
var ErrNoBackends = errors.New("no backends configured")

// Backend is one upstream server the balancer can route to. Backends are
// immutable after construction; all runtime state lives in the stats store.
type Backend struct {
	url   *url.URL
	name  string
	index int
}

// New creates a Backend for the given base URL. An empty name falls back to
// the URL itself.
func New(u *url.URL, name string, index int) *Backend {
	if name == "" {
		name = u.String()
	}

	return &Backend{
		url:   u,
		name:  name,
		index: index,
	}
}

// Parse builds a Backend from a raw base URL.
func Parse(rawURL, name string, index int) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q: missing host", rawURL)
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return New(u, name, index), nil
}

// Key identifies the backend in statistics and response headers.
func (b *Backend) Key() string {
	return b.url.String()
}

// Name is the human readable label used in logs.
func (b *Backend) Name() string {
	return b.name
}

// Index is the backend's position in the configured pool. It breaks ties
// between equally loaded backends.
func (b *Backend) Index() int {
	return b.index
}

// Target resolves an escaped request path and raw query against the backend
// base URL. Escaped bytes such as %2F reach the backend unchanged.
func (b *Backend) Target(escapedPath, rawQuery string) *url.URL {
	target := *b.url
	raw := joinPath(b.url.EscapedPath(), escapedPath)

	target.RawQuery = rawQuery
	if p, err := url.PathUnescape(raw); err == nil {
		target.Path = p
		target.RawPath = raw
	} else {
		target.Path = raw
		target.RawPath = ""
	}
	return &target
}

func (b *Backend) String() string {
	return b.Key()
}

func joinPath(base, p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// Keys returns the stats keys of the given backends in order.
func Keys(backends []*Backend) []string {
	keys := make([]string, len(backends))
	for i, b := range backends {
		keys[i] = b.Key()
	}
	return keys
}
