package chunker

import (
	"regexp"
	"strings"
)

// SourceKind is the tagged union the chunker routes on (spec §9's
// redesign of the source's dynamic dispatch on source-type strings).
type SourceKind string

const (
	SourceSpreadsheet SourceKind = "spreadsheet"
	SourcePdf         SourceKind = "pdf"
	SourceWeb         SourceKind = "web"
	SourceTranscript  SourceKind = "transcript"
	SourceYoutube     SourceKind = "youtube"
	SourceSelection   SourceKind = "selection"
	SourceProfileDoc  SourceKind = "profile_doc"
	SourcePlainText   SourceKind = "plain_text"
)

var tabularExtensions = map[string]bool{
	"xlsx": true,
	"xls":  true,
	"csv":  true,
}

var structuredExtensions = map[string]bool{
	"pdf":  true,
	"docx": true,
	"pptx": true,
}

// rowMarker matches the "Row k:" textual heuristic spec §4.1 calls out for
// tabular text that didn't arrive via a spreadsheet extension.
var rowMarker = regexp.MustCompile(`(?i)^\s*row\s+\d+\s*:`)

// DetectSourceKind classifies a document into SourceKind using an explicit
// hint when the caller supplied one (e.g. web-clip ingestion knows it's a
// web page regardless of the extension on disk), falling back to
// filename/format/content heuristics otherwise.
func DetectSourceKind(filename, format, hint, sampleText string) SourceKind {
	if k := SourceKind(strings.ToLower(strings.TrimSpace(hint))); isKnownKind(k) {
		return k
	}

	lowerName := strings.ToLower(filename)
	ext := strings.ToLower(strings.TrimPrefix(format, "."))

	switch {
	case tabularExtensions[ext], looksTabular(sampleText):
		return SourceSpreadsheet
	case strings.Contains(lowerName, "youtube"), ext == "youtube":
		return SourceYoutube
	case strings.Contains(lowerName, "transcript"):
		return SourceTranscript
	case strings.Contains(lowerName, "profile"):
		return SourceProfileDoc
	case ext == "html", ext == "htm", ext == "web":
		return SourceWeb
	case structuredExtensions[ext]:
		return SourcePdf
	case filename == "" && format == "":
		return SourceSelection
	default:
		return SourcePlainText
	}
}

func isKnownKind(k SourceKind) bool {
	switch k {
	case SourceSpreadsheet, SourcePdf, SourceWeb, SourceTranscript,
		SourceYoutube, SourceSelection, SourceProfileDoc, SourcePlainText:
		return true
	default:
		return false
	}
}

// looksTabular checks the first 500 characters of text for the "Row k:"
// marker the spec uses to recognize row-oriented tabular text that wasn't
// given a spreadsheet extension (e.g. a .txt export of a sheet).
func looksTabular(text string) bool {
	sample := text
	if len(sample) > 500 {
		sample = sample[:500]
	}
	for _, line := range strings.Split(sample, "\n") {
		if rowMarker.MatchString(line) {
			return true
		}
	}
	return false
}
