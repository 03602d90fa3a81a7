package cache

import (
	"fmt"
	"sort"
	"strings"
)

// charsPerToken approximates a token as this many characters, matching
// the teacher's own token estimator in chunker (words * 1.3 ~ chars/4).
const charsPerToken = 4

// CompressorInput is the minimal shape the context compressor needs from
// a ranked retrieval result.
type CompressorInput struct {
	Index      int // original 1-based citation number
	Content    string
	Confidence float64
}

// Compress implements the context compressor (spec §4.8): sort by
// confidence descending, greedily include whole chunks under a soft
// bound (85% of budget), allow one truncated chunk to fill the remaining
// 15%, then restore original ordering and citation numbers in the
// emitted text. If any chunk was dropped, append a short note.
func Compress(inputs []CompressorInput, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	budget := maxTokens * charsPerToken
	soft := int(float64(budget) * 0.85)

	ranked := make([]CompressorInput, len(inputs))
	copy(ranked, inputs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	included := make(map[int]string) // index -> text to emit (possibly truncated)
	used := 0
	droppedCount := 0

	for i, in := range ranked {
		if used+len(in.Content) <= soft {
			included[in.Index] = in.Content
			used += len(in.Content)
			continue
		}
		// Only the first chunk that doesn't fit may be truncated to
		// fill the remaining 15%; everything after that is dropped.
		remaining := budget - used
		if remaining > 0 && i == firstOverflowIndex(ranked, soft) {
			truncated := in.Content
			if len(truncated) > remaining {
				truncated = truncated[:remaining]
			}
			included[in.Index] = truncated
			used += len(truncated)
			continue
		}
		droppedCount++
	}

	var b strings.Builder
	for _, in := range inputs { // restore original ordering
		text, ok := included[in.Index]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s\n\n", in.Index, text)
	}
	if droppedCount > 0 {
		fmt.Fprintf(&b, "(%d additional sources available but omitted)\n", droppedCount)
	}
	return b.String()
}

// firstOverflowIndex finds the position (in confidence-sorted order) of
// the first chunk that would exceed the soft bound, so exactly one chunk
// is eligible for truncation rather than outright dropping.
func firstOverflowIndex(ranked []CompressorInput, soft int) int {
	used := 0
	for i, in := range ranked {
		if used+len(in.Content) > soft {
			return i
		}
		used += len(in.Content)
	}
	return -1
}
