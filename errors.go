package localbook

import "errors"

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("localbook: document not found")

	// ErrDocumentExists is returned when trying to ingest a duplicate path.
	ErrDocumentExists = errors.New("localbook: document already exists")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("localbook: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("localbook: parsing failed")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("localbook: embedding generation failed")

	// ErrLLMUnavailable is returned when the LLM provider is unreachable.
	ErrLLMUnavailable = errors.New("localbook: LLM provider unavailable")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("localbook: LLM request failed")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("localbook: store is closed")

	// ErrNoResults is returned when retrieval yields no matching chunks.
	ErrNoResults = errors.New("localbook: no results found")

	// ErrLowConfidence is returned when the answer confidence is below threshold.
	ErrLowConfidence = errors.New("localbook: answer confidence below threshold")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("localbook: invalid configuration")

	// ErrVisionRequired is returned when a document requires vision processing
	// but no vision provider is configured.
	ErrVisionRequired = errors.New("localbook: vision provider required for this document")

	// ErrExternalParserRequired is returned when a legacy format needs an
	// external parsing service that is not configured.
	ErrExternalParserRequired = errors.New("localbook: external parser required for legacy format")

	// ErrNotebookNotFound is returned when a notebook id has no matching
	// row in the notebooks table.
	ErrNotebookNotFound = errors.New("localbook: notebook not found")
)
