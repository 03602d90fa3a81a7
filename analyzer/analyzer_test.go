package analyzer

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		question string
		want     QueryType
	}{
		{"How many demos did Chris run in Q1?", Factual},
		{"What is the capital of France?", Factual},
		{"Compare the 2024 revenue of product A and product B.", Complex},
		{"What did Alice accomplish in Q1? And what about Bob?", Complex},
		{"Summarize Alice's Q1 accomplishments.", Synthesis},
	}
	for _, c := range cases {
		got := Classify(c.question)
		if got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.question, got, c.want)
		}
	}
}

func TestExtractTemporalFilter(t *testing.T) {
	tf := ExtractTemporalFilter("How many demos did Chris run in Q1 FY2026?")
	if tf == nil {
		t.Fatal("expected non-nil temporal filter")
	}
	if len(tf.Quarters) != 1 || tf.Quarters[0] != "Q1" {
		t.Errorf("Quarters = %v, want [Q1]", tf.Quarters)
	}
	if len(tf.FiscalYears) != 1 || tf.FiscalYears[0] != "FY2026" {
		t.Errorf("FiscalYears = %v, want [FY2026]", tf.FiscalYears)
	}
}

func TestExtractTemporalFilterNil(t *testing.T) {
	if tf := ExtractTemporalFilter("What does the CEO do?"); tf != nil {
		t.Errorf("expected nil filter, got %+v", tf)
	}
}

func TestVerifyRetrievalQuality(t *testing.T) {
	a := Analyze("How many demos did Chris run in Q1?")
	results := []ResultText{{Text: "Chris ran 7 demos in Q1 FY2026.", Filename: "s1.txt"}}
	ok, reason := VerifyRetrievalQuality(results, a)
	if !ok {
		t.Fatalf("expected quality gate to pass, got reason: %s", reason)
	}
}

func TestVerifyRetrievalQualityMissingEntity(t *testing.T) {
	a := Analyze(`"Alice" ran how many demos in Q1?`)
	results := []ResultText{{Text: "Chris ran 7 demos in Q1.", Filename: "s1.txt"}}
	ok, reason := VerifyRetrievalQuality(results, a)
	if ok {
		t.Fatal("expected quality gate to fail when entity is missing")
	}
	if reason == "" {
		t.Error("expected a non-empty reason")
	}
}

func TestExpandQuery(t *testing.T) {
	got := ExpandQuery("Show me the demo results")
	if got == "Show me the demo results" {
		t.Error("expected synonym expansion to append text")
	}
}
