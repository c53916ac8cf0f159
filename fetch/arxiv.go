package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/poiesic/docgraph/core"
)

// defaultArxivAPI is the arXiv export API endpoint returning Atom feeds.
const defaultArxivAPI = "https://export.arxiv.org/api/query"

// absPattern matches arXiv abstract URLs, with or without a pinned
// version suffix.
var absPattern = regexp.MustCompile(`^https?://(?:www\.)?arxiv\.org/abs/(\d{4}\.\d{4,5})(v\d+)?/?$`)

// Arxiv fetches paper metadata from the arXiv export API.
type Arxiv struct {
	client *http.Client
	apiURL string
	logger *slog.Logger
}

var _ Fetcher = (*Arxiv)(nil)

// NewArxiv creates an arXiv fetcher using the given HTTP client.
func NewArxiv(client *http.Client) *Arxiv {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Arxiv{
		client: client,
		apiURL: defaultArxivAPI,
		logger: slog.Default().With("component", "arxiv-fetcher"),
	}
}

// Matches accepts arXiv abstract URLs.
func (f *Arxiv) Matches(rawURL string) bool {
	return absPattern.MatchString(rawURL)
}

// Canonicalize normalizes an abstract URL to its https://arxiv.org form,
// keeping a pinned version suffix when the caller supplied one.
func (f *Arxiv) Canonicalize(rawURL string) string {
	m := absPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return rawURL
	}
	return "https://arxiv.org/abs/" + m[1] + m[2]
}

// atom feed subset returned by the export API.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

// Fetch queries the export API for the paper's metadata. The abstract
// doubles as the document text.
func (f *Arxiv) Fetch(ctx context.Context, rawURL string) ([]*core.Document, error) {
	m := absPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, rawURL)
	}
	paperID := m[1] + m[2]

	query := url.Values{"id_list": {paperID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: arxiv api returned status %d", ErrFetchFailed, resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if len(feed.Entries) == 0 || feed.Entries[0].Title == "" {
		return nil, fmt.Errorf("%w: arxiv api has no entry for %s", ErrFetchFailed, paperID)
	}
	entry := feed.Entries[0]

	title := collapseSpace(entry.Title)
	summary := collapseSpace(entry.Summary)
	authors := make([]string, 0, len(entry.Authors))
	for _, a := range entry.Authors {
		authors = append(authors, collapseSpace(a.Name))
	}

	metadata := map[string]any{
		"title":   title,
		"authors": authors,
		"summary": summary,
	}
	if entry.Published != "" {
		metadata["published"] = entry.Published
	}
	// The feed entry id names the paper's current version, e.g.
	// http://arxiv.org/abs/2101.00001v3.
	if v := versionSuffix(entry.ID); v != "" {
		metadata["version"] = v
	}

	doc := &core.Document{
		URL:      f.Canonicalize(rawURL),
		Category: core.CategoryArxiv,
		Metadata: metadata,
		Text:     title + "\n\n" + summary,
	}
	f.logger.Debug("fetched arxiv paper", "id", paperID, "title", title)
	return []*core.Document{doc}, nil
}

var versionPattern = regexp.MustCompile(`v\d+$`)

func versionSuffix(entryID string) string {
	return versionPattern.FindString(strings.TrimSuffix(entryID, "/"))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
