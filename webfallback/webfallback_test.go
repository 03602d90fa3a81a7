package webfallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunScrapesSearchResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Example Corp</title></head><body><article><h1>Example Corp</h1><p>` +
			`Example Corp is led by Jane Doe, its chief executive officer, who has run the company since 2019. ` +
			`The firm specializes in example manufacturing and has grown revenue steadily every year since its founding.` +
			`</p></article></body></html>`))
	}))
	defer ts.Close()

	search := func(ctx context.Context, query string, k int) ([]SearchResult, error) {
		return []SearchResult{{Title: "Example Corp", URL: ts.URL, Snippet: "..."}}, nil
	}

	fb := New(search, 2)
	sources, err := fb.Run(context.Background(), "Who is the CEO of ExampleCorp?")
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 scraped source, got %d", len(sources))
	}
	if sources[0].URL != ts.URL {
		t.Errorf("URL = %q, want %q", sources[0].URL, ts.URL)
	}
}

func TestRunNoSearchFunc(t *testing.T) {
	fb := New(nil, 2)
	if _, err := fb.Run(context.Background(), "anything"); err == nil {
		t.Fatal("expected error when no search function is configured")
	}
}

func TestBuildPromptIncludesWebMarker(t *testing.T) {
	out := BuildPrompt("local context here", []Source{{Title: "T", URL: "http://x", Content: "c"}})
	if out == "local context here" {
		t.Error("expected web sources to be appended")
	}
	if !strings.Contains(out, "[Web 1] T (http://x)") {
		t.Errorf("expected [Web 1] marker for the first web source, got %q", out)
	}
}
