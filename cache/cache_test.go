package cache

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEmbeddingCacheGetOrCompute(t *testing.T) {
	c, err := NewEmbeddingCache(10, "")
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	fn := func() ([]float32, error) {
		calls++
		return []float32{1, 2, 3}, nil
	}

	v1, err := c.GetOrCompute("hello", fn)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.GetOrCompute("hello", fn)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected fn to be called once, got %d", calls)
	}
	if len(v1) != 3 || len(v2) != 3 {
		t.Fatalf("unexpected vector lengths: %v %v", v1, v2)
	}
}

func TestEmbeddingCacheComputeError(t *testing.T) {
	c, _ := NewEmbeddingCache(10, "")
	_, err := c.GetOrCompute("x", func() ([]float32, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestAnswerCacheExactHit(t *testing.T) {
	ac := NewAnswerCache(10, time.Hour, 0.92, "")
	ac.Put("nb1", "what did alice do", []float32{1, 0, 0}, "Alice ran 3 demos.", []int{1})

	hit := ac.Get("nb1", "what did alice do", nil)
	if hit.Type != HitExact {
		t.Fatalf("expected exact hit, got %q", hit.Type)
	}
}

func TestAnswerCacheSemanticHit(t *testing.T) {
	ac := NewAnswerCache(10, time.Hour, 0.92, "")
	ac.Put("nb1", "What did Alice accomplish in Q1?", []float32{1, 0, 0}, "Alice ran 3 demos.", []int{1})

	hit := ac.Get("nb1", "Summarize Alice's Q1 accomplishments.", []float32{0.99, 0.01, 0})
	if hit.Type != HitSemantic {
		t.Fatalf("expected semantic hit, got %q", hit.Type)
	}
	if hit.Similarity < 0.92 {
		t.Errorf("similarity %f below threshold", hit.Similarity)
	}
}

func TestAnswerCacheMiss(t *testing.T) {
	ac := NewAnswerCache(10, time.Hour, 0.92, "")
	hit := ac.Get("nb1", "anything", []float32{1, 0, 0})
	if hit.Type != HitMiss {
		t.Fatalf("expected miss, got %q", hit.Type)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	sim := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if sim < 0.999 {
		t.Errorf("expected ~1.0, got %f", sim)
	}
}

func TestCompressDropsNoteWhenOverBudget(t *testing.T) {
	inputs := []CompressorInput{
		{Index: 1, Content: stringOfLen(2000), Confidence: 0.9},
		{Index: 2, Content: stringOfLen(2000), Confidence: 0.8},
		{Index: 3, Content: stringOfLen(2000), Confidence: 0.1},
	}
	out := Compress(inputs, 100) // tiny budget forces drops
	if out == "" {
		t.Fatal("expected non-empty output")
	}
	if !strings.Contains(out, "(2 additional sources available but omitted)") {
		t.Errorf("expected the omitted-sources note for the 2 dropped chunks, got %q", out)
	}
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
