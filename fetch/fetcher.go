package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/poiesic/docgraph/core"
)

// Fetcher retrieves documents for the URLs it accepts.
type Fetcher interface {
	// Matches reports whether this fetcher accepts the URL.
	Matches(url string) bool

	// Canonicalize rewrites an accepted URL into its canonical stored
	// form. Must be pure: identical input yields identical output.
	Canonicalize(url string) string

	// Fetch retrieves the documents for a URL. Most sources return one
	// document; thread-style sources return one document per fragment.
	Fetch(ctx context.Context, url string) ([]*core.Document, error)
}

// Registry dispatches URLs to fetchers in fixed priority order: the first
// fetcher whose Matches accepts the URL wins.
type Registry struct {
	fetchers []Fetcher
}

// NewRegistry creates a registry with the given priority order.
func NewRegistry(fetchers ...Fetcher) *Registry {
	return &Registry{fetchers: fetchers}
}

// NewDefaultRegistry wires the built-in fetchers. The webpage fetcher goes
// last because its pattern is the broadest. A nil threads client disables
// the thread fetcher.
func NewDefaultRegistry(client *http.Client, threads ThreadClient) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	fetchers := make([]Fetcher, 0, 3)
	if threads != nil {
		fetchers = append(fetchers, NewThread(threads))
	}
	fetchers = append(fetchers, NewArxiv(client), NewWebpage(client))
	return NewRegistry(fetchers...)
}

// For returns the first fetcher accepting the URL.
func (r *Registry) For(url string) (Fetcher, error) {
	for _, f := range r.fetchers {
		if f.Matches(url) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoFetcher, url)
}

// Canonicalize rewrites url via the first matching fetcher. URLs no
// fetcher accepts pass through unchanged.
func (r *Registry) Canonicalize(url string) string {
	f, err := r.For(url)
	if err != nil {
		return url
	}
	return f.Canonicalize(url)
}
