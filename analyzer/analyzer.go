// Package analyzer implements the query analyzer: pure, side-effect-free
// classification and expansion of natural-language questions ahead of
// retrieval. Nothing here touches the store or an LLM — every function is
// deterministic string analysis.
package analyzer

import (
	"regexp"
	"strings"
	"unicode"
)

// QueryType is the classification produced by Classify.
type QueryType string

const (
	Factual   QueryType = "factual"
	Synthesis QueryType = "synthesis"
	Complex   QueryType = "complex"
)

// Format is the detected response-shape hint produced by DetectFormat.
type Format string

const (
	FormatList  Format = "list"
	FormatCode  Format = "code"
	FormatTable Format = "table"
	FormatSteps Format = "steps"
	FormatProse Format = "prose"
)

var factualPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^how many\b`),
	regexp.MustCompile(`(?i)^what is the\b`),
	regexp.MustCompile(`(?i)^what was the\b`),
	regexp.MustCompile(`(?i)^who (did|is|was|are)\b`),
	regexp.MustCompile(`(?i)^when (did|was|is)\b`),
	regexp.MustCompile(`(?i)^where (is|was|did)\b`),
}

var comparisonWords = []string{"compare", "versus", " vs ", " vs.", "difference between", "better than", "contrast"}
var multiClauseWords = []string{" and also ", "; ", " as well as "}

// Classify assigns one of factual | synthesis | complex per spec §4.5.
// Complex wins over factual/synthesis when its triggers are present.
func Classify(question string) QueryType {
	q := strings.TrimSpace(question)
	lower := strings.ToLower(q)

	if isComplex(q, lower) {
		return Complex
	}
	for _, re := range factualPatterns {
		if re.MatchString(q) {
			return Factual
		}
	}
	return Synthesis
}

func isComplex(q, lower string) bool {
	if len(q) > 100 {
		return true
	}
	if strings.Count(q, "?") > 1 {
		return true
	}
	for _, w := range comparisonWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, w := range multiClauseWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// DetectFormat picks a response-shape hint that downstream synthesis
// appends as a format-instruction suffix to the system prompt.
func DetectFormat(question string) Format {
	lower := strings.ToLower(question)
	switch {
	case strings.Contains(lower, "code") || strings.Contains(lower, "snippet") || strings.Contains(lower, "function"):
		return FormatCode
	case strings.Contains(lower, "table") || strings.Contains(lower, "compare") || strings.Contains(lower, "breakdown"):
		return FormatTable
	case strings.Contains(lower, "steps") || strings.Contains(lower, "how do i") || strings.Contains(lower, "how to"):
		return FormatSteps
	case strings.Contains(lower, "list") || strings.Contains(lower, "enumerate") || strings.Contains(lower, "name all"):
		return FormatList
	default:
		return FormatProse
	}
}

// questionWords are interrogatives and auxiliaries that are capitalized
// only because they open a question; they never start an entity phrase.
var questionWords = map[string]bool{
	"how": true, "what": true, "who": true, "when": true, "where": true,
	"why": true, "which": true, "did": true, "does": true, "do": true,
	"is": true, "are": true, "was": true, "were": true,
}

// ExtractEntities returns an ordered, de-duplicated list of candidate
// entity surface forms mentioned in the question (capitalized phrases
// and quoted terms). Capitalized question words such as "How" are not
// treated as entities.
func ExtractEntities(question string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		lower := strings.ToLower(s)
		if s == "" || seen[lower] {
			return
		}
		seen[lower] = true
		out = append(out, s)
	}

	inQuote := false
	var quoted strings.Builder
	for _, r := range question {
		if r == '"' || r == '\'' {
			if inQuote {
				add(quoted.String())
				quoted.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			quoted.WriteRune(r)
		}
	}

	words := strings.Fields(question)
	var phrase []string
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if clean == "" {
			continue
		}
		if r := []rune(clean)[0]; unicode.IsUpper(r) && !questionWords[strings.ToLower(clean)] {
			phrase = append(phrase, clean)
			continue
		}
		if len(phrase) > 0 {
			add(strings.Join(phrase, " "))
			phrase = nil
		}
	}
	if len(phrase) > 0 {
		add(strings.Join(phrase, " "))
	}
	return out
}

// TemporalFilter captures quarter/year/fiscal-year mentions extracted
// from a question.
type TemporalFilter struct {
	Quarters    []string // "Q1", "Q2", ...
	Years       []string // "2024", ...
	FiscalYears []string // "FY2026", ...
}

func (t *TemporalFilter) Empty() bool {
	return t == nil || (len(t.Quarters) == 0 && len(t.Years) == 0 && len(t.FiscalYears) == 0)
}

var (
	quarterPattern = regexp.MustCompile(`(?i)\bQ\s?([1-4])\b`)
	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	fiscalPattern  = regexp.MustCompile(`(?i)\bFY\s?(\d{2,4})\b`)
)

// ExtractTemporalFilter extracts quarter/year/fiscal-year mentions. Returns
// nil when the question carries no temporal signal.
func ExtractTemporalFilter(question string) *TemporalFilter {
	tf := &TemporalFilter{}
	for _, m := range quarterPattern.FindAllStringSubmatch(question, -1) {
		tf.Quarters = append(tf.Quarters, "Q"+m[1])
	}
	for _, m := range yearPattern.FindAllString(question, -1) {
		tf.Years = append(tf.Years, m)
	}
	for _, m := range fiscalPattern.FindAllStringSubmatch(question, -1) {
		tf.FiscalYears = append(tf.FiscalYears, "FY"+m[1])
	}
	if tf.Empty() {
		return nil
	}
	return tf
}

// synonyms maps domain-specific shorthand to an expansion appended to
// the query, mirroring the source's nickname/domain-synonym table.
var synonyms = map[string]string{
	"demo":    "demonstration",
	"revenue": "revenue income",
	"q1":      "q1 first quarter",
	"q2":      "q2 second quarter",
	"q3":      "q3 third quarter",
	"q4":      "q4 fourth quarter",
	"ceo":     "ceo chief executive officer",
	"cfo":     "cfo chief financial officer",
}

// ExpandQuery appends known synonyms for terms present in the question.
func ExpandQuery(question string) string {
	lower := strings.ToLower(question)
	var extra []string
	seen := make(map[string]bool)
	for term, expansion := range synonyms {
		if strings.Contains(lower, term) && !seen[expansion] {
			seen[expansion] = true
			extra = append(extra, expansion)
		}
	}
	if len(extra) == 0 {
		return question
	}
	return question + " " + strings.Join(extra, " ")
}

// Analysis bundles the results of analyzing one question, threaded
// through retrieval and the quality gate.
type Analysis struct {
	Question   string
	Type       QueryType
	Format     Format
	Entities   []string
	Temporal   *TemporalFilter
	Expanded   string
}

// Analyze runs the full analyzer pipeline over a question.
func Analyze(question string) Analysis {
	return Analysis{
		Question: question,
		Type:     Classify(question),
		Format:   DetectFormat(question),
		Entities: ExtractEntities(question),
		Temporal: ExtractTemporalFilter(question),
		Expanded: ExpandQuery(question),
	}
}

// ResultText is the minimal shape VerifyRetrievalQuality needs from a
// retrieved chunk — callers pass store.RetrievalResult-derived values
// without this package importing store, to keep it dependency-free.
type ResultText struct {
	Text     string
	Filename string
}

// VerifyRetrievalQuality checks that every required entity and temporal
// term from the analysis appears (case-insensitive substring, with
// loose quarter/year variants) somewhere in the candidate results' text.
// Returns ok=true when nothing required is missing.
func VerifyRetrievalQuality(results []ResultText, a Analysis) (ok bool, reason string) {
	if len(results) == 0 {
		return false, "no results returned"
	}

	haystack := make([]string, len(results))
	for i, r := range results {
		haystack[i] = strings.ToLower(r.Text + " " + r.Filename)
	}
	containsAny := func(term string) bool {
		term = strings.ToLower(term)
		for _, h := range haystack {
			if strings.Contains(h, term) {
				return true
			}
		}
		return false
	}

	for _, e := range a.Entities {
		if !containsAny(e) {
			return false, "missing required entity: " + e
		}
	}

	if a.Temporal != nil {
		for _, q := range a.Temporal.Quarters {
			variants := []string{q, strings.ToLower(q), strings.Replace(q, "Q", "Q ", 1)}
			found := false
			for _, v := range variants {
				if containsAny(v) {
					found = true
					break
				}
			}
			if !found {
				return false, "missing required time period: " + q
			}
		}
		for _, y := range a.Temporal.Years {
			if !containsAny(y) {
				return false, "missing required year: " + y
			}
		}
		for _, fy := range a.Temporal.FiscalYears {
			variants := []string{fy, strings.Replace(fy, "FY", "FY ", 1), strings.Replace(fy, "FY", "fiscal year ", 1)}
			found := false
			for _, v := range variants {
				if containsAny(v) {
					found = true
					break
				}
			}
			if !found {
				return false, "missing required fiscal year: " + fy
			}
		}
	}

	return true, ""
}
