// Package webfallback implements the web fallback (spec §4.10): engaged
// by the retrieval engine when local confidence is too low. It searches
// an external search API, scrapes the top results, and combines local
// and web context into a single prompt with local sources taking
// precedence.
//
// No teacher analog exists for this component. Scraping is grounded on
// intelligencedev-manifold's go-shiori/go-readability usage; the search
// backend is left as a pluggable SearchFunc since the spec explicitly
// treats "external search" as an out-of-core dependency (§6) and no
// example repo in the pack ships a general web-search client.
package webfallback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// SearchResult is one hit from the external search API.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchFunc performs an external web search. The core never implements
// this itself (spec §6's "external search & scrape (dependency)").
type SearchFunc func(ctx context.Context, query string, k int) ([]SearchResult, error)

// Source is a scraped web page ready for inclusion in an LLM prompt.
type Source struct {
	Title   string
	URL     string
	Content string
}

const scrapeTimeout = 15 * time.Second

// Fallback runs the web-fallback algorithm: search, scrape the top n
// results (default 2), and return sources with any per-page failure
// logged but not fatal.
type Fallback struct {
	search     SearchFunc
	httpClient *http.Client
	topN       int
}

// New creates a Fallback. search must be supplied by the host
// application; httpClient defaults to one with scrapeTimeout.
func New(search SearchFunc, topN int) *Fallback {
	if topN <= 0 {
		topN = 2
	}
	return &Fallback{
		search:     search,
		httpClient: &http.Client{Timeout: scrapeTimeout},
		topN:       topN,
	}
}

// Run searches for query and scrapes the top results. Individual scrape
// failures are skipped rather than aborting the whole fallback.
func (f *Fallback) Run(ctx context.Context, query string) ([]Source, error) {
	if f.search == nil {
		return nil, fmt.Errorf("webfallback: no search function configured")
	}

	results, err := f.search(ctx, query, f.topN*2) // overfetch in case some fail to scrape
	if err != nil {
		return nil, fmt.Errorf("webfallback: search: %w", err)
	}

	var sources []Source
	for _, r := range results {
		if len(sources) >= f.topN {
			break
		}
		src, err := f.scrape(ctx, r.URL)
		if err != nil {
			continue // non-fatal: spec requires best-effort, not all-or-nothing
		}
		if src.Title == "" {
			src.Title = r.Title
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// scrape fetches url and extracts readable text via go-readability,
// bounded by scrapeTimeout.
func (f *Fallback) scrape(ctx context.Context, rawURL string) (Source, error) {
	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Source{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Source{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Source{}, fmt.Errorf("webfallback: %s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return Source{}, err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Source{}, err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return Source{}, fmt.Errorf("webfallback: extracting %s: %w", rawURL, err)
	}

	return Source{
		Title:   article.Title,
		URL:     rawURL,
		Content: strings.TrimSpace(article.TextContent),
	}, nil
}

// BuildPrompt combines local and web context into a single prompt
// fragment with a rule that local sources take precedence, per spec
// §4.10.
func BuildPrompt(localContext string, sources []Source) string {
	var b strings.Builder
	b.WriteString(localContext)
	if len(sources) == 0 {
		return b.String()
	}
	b.WriteString("\n\n--- Supplementary web sources (use only to fill gaps the local sources above do not cover; local sources always take precedence) ---\n\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "[Web %d] %s (%s)\n%s\n\n", i+1, s.Title, s.URL, truncate(s.Content, 2000))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
