package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/localbook/localbook/llm"
)

const decomposePrompt = `You are a query decomposition assistant. Break the following complex question into 2 to 5 independent sub-questions that, answered together, would let someone answer the original question.

Question: %s

Respond with JSON only, in this exact shape:
{"sub_questions": ["...", "..."]}`

type decomposeResult struct {
	SubQuestions []string `json:"sub_questions"`
}

// decompose asks the LLM to split query into 2-5 sub-questions (spec
// §4.7). Parsing follows the teacher's three-fallback json_extractor
// pattern (graph/builder.go's extractJSON): markdown-fence strip, direct
// parse, then first-brace/last-brace substring extraction.
func (e *Engine) decompose(ctx context.Context, query string) ([]string, error) {
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(decomposePrompt, query)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: llm call: %w", err)
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	var result decomposeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decompose: unmarshal: %w", err)
	}

	var cleaned []string
	for _, q := range result.SubQuestions {
		q = strings.TrimSpace(q)
		if q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) > 5 {
		cleaned = cleaned[:5]
	}
	return cleaned, nil
}

const synthesisPrompt = `You are synthesizing a final answer from independently-answered sub-questions.

Original question: %s

Sub-answers:
%s

Compose one coherent answer to the original question, referencing sources by their citation numbers (e.g. [1], [2]) exactly as given in the sub-answers above; do not invent new citation numbers.`

// synthesize composes the final answer from sub-answers, rewriting
// citation references through renumberMap so the emitted text matches
// the merged, contiguous citation list.
func (e *Engine) synthesize(ctx context.Context, query string, subAnswers []SubAnswer, renumberMap map[string]int) (string, error) {
	var b strings.Builder
	for i, sa := range subAnswers {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", sa.Question, rewriteCitations(sa.Answer, i, renumberMap))
	}

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(synthesisPrompt, query, b.String())},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis: llm call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

var citationRefPattern = regexp.MustCompile(`\[(\d+)\]`)

// rewriteCitations rewrites every "[n]" reference in text according to
// the (sub-answer index, n) -> merged-number mapping.
func rewriteCitations(text string, subIdx int, renumberMap map[string]int) string {
	return citationRefPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := citationRefPattern.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		var n int
		fmt.Sscanf(sub[1], "%d", &n)
		if newN, ok := renumberMap[key(subIdx, n)]; ok {
			return fmt.Sprintf("[%d]", newN)
		}
		return m
	})
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON implements the spec §9 json_extractor pattern: strip
// markdown fences, try a direct parse, then fall back to the first-{ /
// last-} substring. Grounded on graph/builder.go's extractJSON, which is
// unexported there; reimplemented here rather than exported across
// packages since each call site's error wrapping differs.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}
