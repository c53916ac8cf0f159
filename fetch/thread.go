package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/poiesic/docgraph/core"
)

// statusPattern matches a single status URL on x.com or twitter.com,
// optionally with a fragment selecting one thread item.
var statusPattern = regexp.MustCompile(`^https?://(?:www\.)?(?:x|twitter)\.com/([A-Za-z0-9_]+)/status/(\d+)`)

// Post is one scraped thread item as returned by a ThreadClient.
type Post struct {
	// URL addresses this item; the thread's first post for the head item,
	// a fragment URL for the rest.
	URL string

	// User is the posting account handle.
	User string

	// Text is the item's content.
	Text string

	// QuotedURLs are statuses this item quotes.
	QuotedURLs []string

	// LinkedURLs are external links in the item body.
	LinkedURLs []string
}

// ThreadClient scrapes a full thread starting from one status URL, head
// post first. The headless-browser mechanics live behind this interface.
type ThreadClient interface {
	Thread(ctx context.Context, url string) ([]Post, error)
}

// Thread fetches social-media threads. One thread becomes multiple
// documents, one per fragment, each stamped with the full sibling URL
// list so readers can resolve the original post.
type Thread struct {
	client ThreadClient
	logger *slog.Logger
}

var _ Fetcher = (*Thread)(nil)

// NewThread creates a thread fetcher over the given scraping client.
func NewThread(client ThreadClient) *Thread {
	return &Thread{
		client: client,
		logger: slog.Default().With("component", "thread-fetcher"),
	}
}

// Matches accepts single-status URLs.
func (f *Thread) Matches(rawURL string) bool {
	return statusPattern.MatchString(rawURL)
}

// Canonicalize normalizes the host to x.com and strips tracking query
// parameters, keeping the fragment that addresses one thread item.
func (f *Thread) Canonicalize(rawURL string) string {
	m := statusPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return rawURL
	}
	canonical := "https://x.com/" + m[1] + "/status/" + m[2]
	if u, err := url.Parse(rawURL); err == nil && u.Fragment != "" {
		canonical += "#" + u.Fragment
	}
	return canonical
}

// Fetch scrapes the thread and assembles one document per fragment. Every
// fragment carries the ordered sibling URLs under thread_ids; the first
// entry is the original post.
func (f *Thread) Fetch(ctx context.Context, rawURL string) ([]*core.Document, error) {
	posts, err := f.client.Thread(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: thread at %s is empty", ErrFetchFailed, rawURL)
	}

	threadIDs := make([]string, len(posts))
	for i, post := range posts {
		threadIDs[i] = f.Canonicalize(post.URL)
	}

	docs := make([]*core.Document, 0, len(posts))
	for i, post := range posts {
		links := dedupLinks(append(append([]string{}, post.QuotedURLs...), post.LinkedURLs...))
		docs = append(docs, &core.Document{
			URL:      threadIDs[i],
			Category: core.CategoryThread,
			Metadata: map[string]any{
				"user":                 post.User,
				core.MetadataThreadIDs: threadIDs,
			},
			Links: links,
			Text:  post.Text,
		})
	}
	f.logger.Debug("fetched thread", "url", rawURL, "fragments", len(docs))
	return docs, nil
}

// dedupLinks keeps first occurrences, preserving order.
func dedupLinks(links []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(links))
	for _, l := range links {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
