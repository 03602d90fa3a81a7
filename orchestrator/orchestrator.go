// Package orchestrator implements the query orchestrator (spec §4.7):
// the gatekeeper above the retrieval engine that decides whether a query
// is simple enough to answer directly or complex enough to decompose into
// parallel sub-questions whose answers are merged and re-synthesized.
//
// There is no teacher analog for this component; the decomposition/merge
// shape is grounded on original_source's query_orchestrator.py and
// query_decomposer.py, and the synthesis call follows the teacher's own
// reasoning.Engine round style.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/localbook/localbook/llm"
)

// Complexity is the result of ClassifyComplexity.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

var comparisonMarkers = []string{"compare", "versus", " vs ", " vs.", "difference between"}

// ClassifyComplexity implements spec §4.7's complexity gate. Complex is a
// comparison, a report or draft request, or more than one '?'; questions
// naming several entities or periods are not detected as complex. Anything
// else is simple when it is at most 200 chars and moderate otherwise.
func ClassifyComplexity(query string) Complexity {
	lower := strings.ToLower(query)
	if strings.Count(query, "?") > 1 {
		return Complex
	}
	for _, m := range comparisonMarkers {
		if strings.Contains(lower, m) {
			return Complex
		}
	}
	if strings.Contains(lower, "report") || strings.Contains(lower, "draft a") {
		return Complex
	}
	if len(query) <= 200 {
		return Simple
	}
	return Moderate
}

// Citation is a minimal citation shape, independent of the reasoning
// package's richer Source type, to keep this package import-light.
type Citation struct {
	Number   int
	SourceID int64
	Snippet  string
}

// SubAnswer is one sub-question's resolved answer, as returned by the
// caller-supplied Answerer for each decomposed sub-query.
type SubAnswer struct {
	Question   string
	Answer     string
	Citations  []Citation
	Confidence float64
}

// Answerer resolves a single (sub-)question to an answer. The caller
// wires this to retrieval.Engine.Search + reasoning.Engine.Reason.
type Answerer func(ctx context.Context, question string) (SubAnswer, error)

// Result is the orchestrator's final output.
type Result struct {
	Answer        string
	Complexity    Complexity
	Orchestrated  bool
	SubQuestions  []string
	SubAnswers    []SubAnswer
	Citations     []Citation
	LowConfidence bool
}

const lowConfidenceThreshold = 0.2

// Config configures an Engine.
type Config struct {
	Concurrency int // bounded parallelism for sub-queries, default 4
}

// Engine runs the orchestration algorithm. chat is used for
// decomposition and final synthesis only; sub-question answering goes
// through the Answerer passed to Run.
type Engine struct {
	chat llm.Provider
	cfg  Config
}

// New creates an orchestrator.
func New(chat llm.Provider, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Engine{chat: chat, cfg: cfg}
}

// Run implements spec §4.7: simple/moderate queries delegate directly to
// answer via a single call; complex queries are decomposed into 2-5
// sub-questions, each answered in parallel (bounded by cfg.Concurrency),
// then merged with renumbered citations and synthesized into one answer.
func (e *Engine) Run(ctx context.Context, query string, answer Answerer) (*Result, error) {
	complexity := ClassifyComplexity(query)

	if complexity != Complex {
		sa, err := answer(ctx, query)
		if err != nil {
			return nil, err
		}
		return &Result{
			Answer:        sa.Answer,
			Complexity:    complexity,
			Orchestrated:  false,
			Citations:     sa.Citations,
			LowConfidence: sa.Confidence < lowConfidenceThreshold,
		}, nil
	}

	subQuestions, err := e.decompose(ctx, query)
	if err != nil || len(subQuestions) < 2 {
		slog.Warn("orchestrator: decomposition failed or produced too few sub-questions, falling back to direct answer",
			"query", query, "error", err)
		sa, aerr := answer(ctx, query)
		if aerr != nil {
			return nil, aerr
		}
		return &Result{
			Answer:        sa.Answer,
			Complexity:    complexity,
			Orchestrated:  false,
			Citations:     sa.Citations,
			LowConfidence: sa.Confidence < lowConfidenceThreshold,
		}, nil
	}

	subAnswers := make([]SubAnswer, len(subQuestions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, q := range subQuestions {
		i, q := i, q
		g.Go(func() error {
			sa, err := answer(gctx, q)
			if err != nil {
				slog.Warn("orchestrator: sub-question failed", "question", q, "error", err)
				sa = SubAnswer{Question: q, Answer: "", Confidence: 0}
				return nil // non-fatal: a failed sub-answer just contributes nothing
			}
			sa.Question = q
			subAnswers[i] = sa
			return nil
		})
	}
	_ = g.Wait() // sub-question failures are absorbed per-item above

	best := 0.0
	for _, sa := range subAnswers {
		if sa.Confidence > best {
			best = sa.Confidence
		}
	}
	if best < lowConfidenceThreshold {
		return &Result{
			Answer:        lowConfidenceSummary(subQuestions),
			Complexity:    complexity,
			Orchestrated:  true,
			SubQuestions:  subQuestions,
			SubAnswers:    subAnswers,
			LowConfidence: true,
		}, nil
	}

	mergedCitations, renumberMap := renumberCitations(subAnswers)
	finalAnswer, err := e.synthesize(ctx, query, subAnswers, renumberMap)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: synthesis: %w", err)
	}

	return &Result{
		Answer:        finalAnswer,
		Complexity:    complexity,
		Orchestrated:  true,
		SubQuestions:  subQuestions,
		SubAnswers:    subAnswers,
		Citations:     mergedCitations,
		LowConfidence: false,
	}, nil
}

func lowConfidenceSummary(subQuestions []string) string {
	return "I could not find a confident answer. I broke this down into: " + strings.Join(subQuestions, "; ")
}

// renumberCitations merges each sub-answer's citations into one
// contiguous 1-based sequence and returns the mapping from
// (sub-answer index, original number) to the new number, keyed as
// "i:original".
func renumberCitations(subAnswers []SubAnswer) ([]Citation, map[string]int) {
	var merged []Citation
	mapping := make(map[string]int)
	next := 1
	seenSource := make(map[int64]int) // source id -> assigned number, to dedupe

	for i, sa := range subAnswers {
		for _, c := range sa.Citations {
			orig := c.Number
			if n, ok := seenSource[c.SourceID]; ok {
				mapping[key(i, orig)] = n
				continue
			}
			c.Number = next
			merged = append(merged, c)
			seenSource[c.SourceID] = next
			mapping[key(i, orig)] = next
			next++
		}
	}
	return merged, mapping
}

func key(i, n int) string {
	return fmt.Sprintf("%d:%d", i, n)
}
