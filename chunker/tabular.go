package chunker

import "strings"

// chunkTabular implements the spec §4.1 tabular routing rule: preserve up
// to 5 leading header lines, then accumulate body rows into chunks bounded
// by maxChars (including the re-prepended header), so every emitted chunk
// is self-sufficient for retrieval without its neighbors.
func chunkTabular(text string, maxChars int) []string {
	lines := strings.Split(text, "\n")

	var header []string
	i := 0
	for ; i < len(lines) && len(header) < 5; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if rowMarker.MatchString(line) {
			break
		}
		header = append(header, line)
	}
	headerText := strings.Join(header, "\n")
	headerBudget := len(headerText)
	if headerText != "" {
		headerBudget += 2 // separating blank line
	}

	var chunks []string
	var body strings.Builder

	flush := func() {
		if body.Len() == 0 {
			return
		}
		chunk := strings.TrimSpace(body.String())
		if headerText != "" {
			chunk = headerText + "\n\n" + chunk
		}
		chunks = append(chunks, chunk)
		body.Reset()
	}

	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if body.Len() > 0 && body.Len()+len(line)+1+headerBudget > maxChars {
			flush()
		}
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(line)
	}
	flush()

	if len(chunks) == 0 && headerText != "" {
		chunks = append(chunks, headerText)
	}
	return chunks
}
