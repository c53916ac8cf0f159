package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/poiesic/docgraph/core"
)

const webpageUserAgent = "docgraph/1.0"

// Webpage fetches generic web pages. It accepts any http(s) URL, so it
// must be the last fetcher in the registry.
type Webpage struct {
	client *http.Client
	logger *slog.Logger
}

var _ Fetcher = (*Webpage)(nil)

// NewWebpage creates a webpage fetcher using the given HTTP client.
func NewWebpage(client *http.Client) *Webpage {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webpage{
		client: client,
		logger: slog.Default().With("component", "webpage-fetcher"),
	}
}

// Matches accepts any absolute http(s) URL.
func (f *Webpage) Matches(rawURL string) bool {
	return core.ValidateURL(rawURL) == nil
}

// Canonicalize strips the fragment: two anchors of one page are one
// document.
func (f *Webpage) Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String()
}

// Fetch downloads the page and extracts title/description/author metadata,
// the visible body text, and the ordered deduplicated outbound links.
func (f *Webpage) Fetch(ctx context.Context, rawURL string) ([]*core.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", webpageUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	page, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	metadata := map[string]any{}
	if title := strings.TrimSpace(page.Find("title").First().Text()); title != "" {
		metadata["title"] = title
	}
	if desc, ok := page.Find(`meta[name="description"]`).Attr("content"); ok && desc != "" {
		metadata["description"] = desc
	}
	if author, ok := page.Find(`meta[name="author"]`).Attr("content"); ok && author != "" {
		metadata["author"] = author
	}

	links := f.extractLinks(page, base)

	// Drop markup that would pollute the extracted text.
	page.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(page.Find("body").Text()), " ")

	doc := &core.Document{
		URL:      rawURL,
		Category: core.CategoryWebpage,
		Metadata: metadata,
		Links:    links,
		Text:     text,
	}
	f.logger.Debug("fetched webpage", "url", rawURL, "links", len(links), "text_len", len(text))
	return []*core.Document{doc}, nil
}

// extractLinks collects outbound http(s) links in document order,
// deduplicated, resolved against the page URL, excluding self-links.
func (f *Webpage) extractLinks(page *goquery.Document, base *url.URL) []string {
	self := f.Canonicalize(base.String())
	seen := map[string]bool{}
	var links []string

	page.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if link == "" || link == self || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}
