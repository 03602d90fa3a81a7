package orchestrator

import (
	"context"
	"testing"

	"github.com/localbook/localbook/llm"
)

func TestClassifyComplexity(t *testing.T) {
	cases := []struct {
		query string
		want  Complexity
	}{
		{"What is the capital of France?", Simple},
		{"Compare the 2024 revenue of product A and product B.", Complex},
		{"What did Alice do? And what did Bob do?", Complex},
	}
	for _, c := range cases {
		if got := ClassifyComplexity(c.query); got != c.want {
			t.Errorf("ClassifyComplexity(%q) = %q, want %q", c.query, got, c.want)
		}
	}
}

type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "synthesized answer [1]"}, nil
}
func (stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestRunSimpleDelegates(t *testing.T) {
	e := New(stubProvider{}, Config{})
	calls := 0
	answerer := func(ctx context.Context, q string) (SubAnswer, error) {
		calls++
		return SubAnswer{Answer: "42", Confidence: 0.9}, nil
	}
	res, err := e.Run(context.Background(), "What is the answer?", answerer)
	if err != nil {
		t.Fatal(err)
	}
	if res.Orchestrated {
		t.Error("expected simple query not to be orchestrated")
	}
	if calls != 1 {
		t.Errorf("expected exactly one answerer call, got %d", calls)
	}
}

func TestRenumberCitationsDedupesBySource(t *testing.T) {
	subAnswers := []SubAnswer{
		{Citations: []Citation{{Number: 1, SourceID: 10}, {Number: 2, SourceID: 20}}},
		{Citations: []Citation{{Number: 1, SourceID: 20}}}, // same source as above
	}
	merged, mapping := renumberCitations(subAnswers)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged citations, got %d", len(merged))
	}
	if mapping[key(1, 1)] != mapping[key(0, 2)] {
		t.Error("expected citations to the same source to map to the same merged number")
	}
}
