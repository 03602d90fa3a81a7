package localbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/localbook/localbook/analyzer"
	"github.com/localbook/localbook/cache"
	"github.com/localbook/localbook/chunker"
	"github.com/localbook/localbook/graph"
	"github.com/localbook/localbook/jobqueue"
	"github.com/localbook/localbook/llm"
	"github.com/localbook/localbook/metrics"
	"github.com/localbook/localbook/orchestrator"
	"github.com/localbook/localbook/parser"
	"github.com/localbook/localbook/reasoning"
	"github.com/localbook/localbook/recovery"
	"github.com/localbook/localbook/retrieval"
	"github.com/localbook/localbook/store"
	"github.com/localbook/localbook/webfallback"
)

// Engine is the main entry point for the Graph RAG engine. Every operation
// is scoped to a notebook (spec §4.2/§6): notebookID partitions documents,
// chunks, entities, relationships and communities within the one shared
// store, so callers working in different notebooks never see each other's
// data. Pass store.DefaultNotebookID for the implicit single-notebook case.
type Engine interface {
	// Ingest parses, chunks, embeds, and builds graph for a document.
	// Returns document ID. Skips if content hash unchanged.
	Ingest(ctx context.Context, notebookID, path string, opts ...IngestOption) (int64, error)

	// Query runs a question through hybrid retrieval + multi-round reasoning.
	Query(ctx context.Context, notebookID, question string, opts ...QueryOption) (*Answer, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, notebookID, path string) (bool, error)

	// UpdateAll checks all ingested documents in a notebook for changes.
	UpdateAll(ctx context.Context, notebookID string) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, notebookID string, documentID int64) error

	// ListDocuments returns all documents ingested into a notebook.
	ListDocuments(ctx context.Context, notebookID string) ([]Document, error)

	// CreateNotebook creates a new notebook to ingest and query against.
	CreateNotebook(ctx context.Context, id, name string) error

	// ListNotebooks returns every notebook known to this engine.
	ListNotebooks(ctx context.Context) ([]store.Notebook, error)

	// DropNotebook deletes a notebook and every document, chunk, entity,
	// relationship and community scoped to it.
	DropNotebook(ctx context.Context, notebookID string) error

	// SubmitIngest enqueues an ingest as a background job (spec §4.11) and
	// returns immediately with a job id; progress and result are polled
	// through Jobs().
	SubmitIngest(notebookID, path string) (string, error)

	// Jobs returns the async job queue backing SubmitIngest.
	Jobs() *jobqueue.Queue

	// Store returns the underlying store for diagnostic access (e.g. eval ground-truth checks).
	Store() *store.Store

	// RecoverySweeper builds a stuck-work recovery sweeper bound to this
	// engine's store and ingest path (spec §4.14).
	RecoverySweeper() *recovery.Sweeper

	// Metrics returns the query metrics service for health/aggregate
	// inspection (spec §4.13).
	Metrics() *metrics.Service

	// Close cleanly shuts down the engine.
	Close() error
}

// Answer represents the result of a query.
type Answer struct {
	Text             string                        `json:"text"`
	Confidence       float64                       `json:"confidence"`
	Sources          []Source                      `json:"sources"`
	Reasoning        []Step                        `json:"reasoning"`
	RetrievalTrace   *retrieval.SearchTrace         `json:"retrieval_trace,omitempty"`
	Verification     *reasoning.VerificationResult `json:"verification,omitempty"`
	ModelUsed        string                        `json:"model_used"`
	Rounds           int                           `json:"rounds"`
	PromptTokens     int                           `json:"prompt_tokens"`
	CompletionTokens int                           `json:"completion_tokens"`
	TotalTokens      int                           `json:"total_tokens"`
}

// Source represents a retrieved source chunk backing an answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// Step represents a single reasoning round in the multi-round pipeline.
type Step struct {
	Round      int      `json:"round"`
	Action     string   `json:"action"`
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Response   string   `json:"response,omitempty"`
	Validation string   `json:"validation,omitempty"`
	ChunksUsed int      `json:"chunks_used,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// Document represents an ingested document.
type Document struct {
	ID          int64             `json:"id"`
	Path        string            `json:"path"`
	Filename    string            `json:"filename"`
	Format      string            `json:"format"`
	ContentHash string            `json:"content_hash"`
	ParseMethod string            `json:"parse_method"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	parseMethod  string
	metadata     map[string]string
	sourceKind   string
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithParseMethod overrides the automatic parse method selection.
func WithParseMethod(method string) IngestOption {
	return func(o *ingestOptions) { o.parseMethod = method }
}

// WithSourceKind overrides automatic SourceKind detection (spec §4.1/§9),
// for callers that know provenance the filename can't express — a web
// clip saved with a ".txt" extension, a pasted selection, a YouTube
// transcript download, and so on.
func WithSourceKind(kind string) IngestOption {
	return func(o *ingestOptions) { o.sourceKind = kind }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxResults int
	maxRounds  int
	weightVec  float64
	weightFTS  float64
	weightGraph float64
}

// WithMaxResults sets the maximum number of chunks to retrieve.
func WithMaxResults(n int) QueryOption {
	return func(o *queryOptions) { o.maxResults = n }
}

// WithMaxRounds overrides the maximum reasoning rounds for this query.
func WithMaxRounds(n int) QueryOption {
	return func(o *queryOptions) { o.maxRounds = n }
}

// WithWeights overrides the retrieval weights for this query.
func WithWeights(vec, fts, graph float64) QueryOption {
	return func(o *queryOptions) {
		o.weightVec = vec
		o.weightFTS = fts
		o.weightGraph = graph
	}
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	visionLLM llm.Provider
	parsers   *parser.Registry
	chunkr    *chunker.Chunker
	graphB    *graph.Builder
	retriever *retrieval.Engine
	reasoner  *reasoning.Engine
	metrics   *metrics.Service

	embCache    *cache.EmbeddingCache
	answerCache *cache.AnswerCache
	orch        *orchestrator.Engine
	webfb       *webfallback.Fallback
	jobs        *jobqueue.Queue
}

// New creates a new GoReason engine with the given configuration.
func New(cfg Config) (Engine, error) {
	// Resolve database path from config (DBPath > DBName+StorageDir > default)
	dbPath := cfg.resolveDBPath()

	// Apply defaults for zero values
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	// Open store
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// Create LLM providers
	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var visionLLM llm.Provider
	if cfg.Vision.Provider != "" {
		visionLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Vision.Provider,
			Model:    cfg.Vision.Model,
			BaseURL:  cfg.Vision.BaseURL,
			APIKey:   cfg.Vision.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
	}

	// Create parser registry
	reg := parser.NewRegistry()
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParse.APIKey,
			BaseURL: cfg.LlamaParse.BaseURL,
		})
	}

	// Create chunker
	chunkr := chunker.New(chunker.Config{
		MaxTokens: cfg.MaxChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	// Create graph builder
	graphB := graph.NewBuilder(s, chatLLM, embedLLM, cfg.GraphConcurrency)

	// Create retrieval engine (chatLLM enables cross-language query translation)
	retriever := retrieval.New(s, embedLLM, chatLLM, retrieval.Config{
		WeightVector: cfg.WeightVector,
		WeightFTS:    cfg.WeightFTS,
		WeightGraph:  cfg.WeightGraph,
	})

	// Create reasoning engine
	reasoner := reasoning.New(chatLLM, reasoning.Config{
		MaxRounds:           cfg.MaxRounds,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxContextTokens:    cfg.MaxContextTokens,
	})

	// Metrics service mirrors its rolling aggregate next to the database
	// (spec §4.13), so query health survives process restarts.
	metricsSvc := metrics.New(dbPath + ".metrics.json")

	// Embedding cache (spec §4.8): mirrors to disk next to the database so
	// a restart doesn't lose coalesced work.
	embCacheSize := cfg.EmbeddingCacheSize
	if embCacheSize <= 0 {
		embCacheSize = 10000
	}
	embCache, err := cache.NewEmbeddingCache(embCacheSize, dbPath+".embcache.json")
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}

	answerCacheSize := cfg.AnswerCacheSize
	if answerCacheSize <= 0 {
		answerCacheSize = 1000
	}
	answerCacheTTL := time.Duration(cfg.AnswerCacheTTLHours) * time.Hour
	if answerCacheTTL <= 0 {
		answerCacheTTL = 24 * time.Hour
	}
	answerCacheThreshold := cfg.AnswerCacheThreshold
	if answerCacheThreshold <= 0 {
		answerCacheThreshold = 0.92
	}
	answerCache := cache.NewAnswerCache(answerCacheSize, answerCacheTTL, answerCacheThreshold, dbPath+".answercache.json")

	// Query orchestrator (spec §4.7): decomposes complex queries into
	// parallel sub-questions answered through the same retrieval/reasoning
	// path used for simple queries.
	orch := orchestrator.New(chatLLM, orchestrator.Config{Concurrency: cfg.OrchestratorConcurrency})

	// Web fallback (spec §4.10) only engages when the host supplied a
	// search backend; the core ships no search client of its own.
	var webfb *webfallback.Fallback
	if cfg.WebSearch != nil {
		webfb = webfallback.New(cfg.WebSearch, cfg.WebFallbackResults)
	}

	jobs := jobqueue.New(jobqueue.Config{
		MaxConcurrent: cfg.JobQueueConcurrency,
		MaxRetention:  cfg.JobQueueRetention,
	})

	e := &engine{
		cfg:         cfg,
		store:       s,
		chatLLM:     chatLLM,
		embedLLM:    embedLLM,
		visionLLM:   visionLLM,
		parsers:     reg,
		chunkr:      chunkr,
		graphB:      graphB,
		retriever:   retriever,
		reasoner:    reasoner,
		metrics:     metricsSvc,
		embCache:    embCache,
		answerCache: answerCache,
		orch:        orch,
		webfb:       webfb,
		jobs:        jobs,
	}
	jobs.RegisterHandler("ingest", e.runIngestJob)
	return e, nil
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, notebookID, path string, opts ...IngestOption) (int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	// Compute file hash
	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	// Check if document already exists with same hash
	if !options.forceReparse {
		existing, err := e.store.GetDocumentByPath(ctx, notebookID, absPath)
		if err == nil && existing.ContentHash == hash {
			return existing.ID, nil // no change
		}
	}

	// Determine format
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	format := ext

	// Serialize metadata if present
	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	// Set status to processing
	filename := filepath.Base(absPath)
	docID, err := e.store.UpsertDocument(ctx, notebookID, store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		ParseMethod: "pending",
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	// Parse
	parseMethod := options.parseMethod
	if parseMethod == "" {
		parseMethod = "native"
	}

	slog.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	parseStart := time.Now()

	p, err := e.parsers.Get(format)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, notebookID, docID, "error")
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, notebookID, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	parseMethod = parsed.Method

	slog.Info("ingest: parsing complete",
		"file", filename, "method", parseMethod,
		"sections", len(parsed.Sections), "elapsed", time.Since(parseStart).Round(time.Millisecond))

	// Update parse method
	e.store.UpdateDocumentParseMethod(ctx, notebookID, docID, parseMethod)

	// Chunk
	chunkStart := time.Now()
	sampleText := ""
	if len(parsed.Sections) > 0 {
		sampleText = parsed.Sections[0].Content
	}
	sourceKind := chunker.DetectSourceKind(filename, format, options.sourceKind, sampleText)
	chunks := e.chunkr.Chunk(parsed.Sections, sourceKind)
	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks), "source_kind", string(sourceKind),
		"max_tokens", e.cfg.MaxChunkTokens, "overlap", e.cfg.ChunkOverlap,
		"elapsed", time.Since(chunkStart).Round(time.Millisecond))

	// Delete old chunks/embeddings/entities for this document (re-ingest)
	if err := e.store.DeleteDocumentData(ctx, notebookID, docID); err != nil {
		return 0, fmt.Errorf("cleaning old data: %w", err)
	}

	// Store chunks and generate embeddings
	for i := range chunks {
		chunks[i].DocumentID = docID
	}

	chunkIDs, err := e.store.InsertChunks(ctx, notebookID, chunks)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, notebookID, docID, "error")
		return 0, fmt.Errorf("inserting chunks: %w", err)
	}

	// Generate embeddings in batches
	slog.Info("ingest: generating embeddings", "file", filename, "chunks", len(chunks))
	embedStart := time.Now()
	if err := e.embedChunks(ctx, chunks, chunkIDs); err != nil {
		e.store.UpdateDocumentStatus(ctx, notebookID, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete",
		"file", filename, "chunks", len(chunks),
		"elapsed", time.Since(embedStart).Round(time.Millisecond))

	// Build knowledge graph (optional — can be skipped for faster ingestion).
	if !e.cfg.SkipGraph {
		slog.Info("ingest: building knowledge graph", "file", filename, "chunks", len(chunks),
			"concurrency", e.cfg.GraphConcurrency)
		graphStart := time.Now()
		if err := e.graphB.Build(ctx, notebookID, docID, chunks, chunkIDs); err != nil {
			slog.Warn("graph build had errors (non-fatal)", "doc_id", docID, "error", err)
		}
		slog.Info("ingest: graph build complete",
			"file", filename, "elapsed", time.Since(graphStart).Round(time.Millisecond))

		// Run community detection on the updated graph.
		slog.Info("ingest: detecting communities", "file", filename)
		communities, err := graph.DetectCommunities(ctx, e.store, notebookID)
		if err != nil {
			slog.Warn("community detection failed (non-fatal)", "error", err)
		} else if len(communities) > 0 {
			slog.Info("ingest: summarizing communities", "count", len(communities))
			if err := graph.SummarizeCommunities(ctx, e.store, notebookID, e.chatLLM, communities); err != nil {
				slog.Warn("community summarization failed (non-fatal)", "error", err)
			}
		}
	} else {
		slog.Info("ingest: graph building skipped (skip_graph=true)", "doc_id", docID)
	}

	totalElapsed := time.Since(parseStart)
	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"total_elapsed", totalElapsed.Round(time.Millisecond))
	e.store.UpdateDocumentStatus(ctx, notebookID, docID, "ready")
	return docID, nil
}

// Query runs the query analyzer, answer cache, hybrid retrieval, the
// complexity-gated orchestrator, and the web fallback — spec §4.5-§4.10.
func (e *engine) Query(ctx context.Context, notebookID, question string, opts ...QueryOption) (*Answer, error) {
	started := time.Now()

	options := &queryOptions{
		maxResults:  20,
		maxRounds:   e.cfg.MaxRounds,
		weightVec:   e.cfg.WeightVector,
		weightFTS:   e.cfg.WeightFTS,
		weightGraph: e.cfg.WeightGraph,
	}
	for _, o := range opts {
		o(options)
	}

	// Query analysis (spec §4.5): classification, format hint, entities,
	// temporal filters and synonym expansion computed once up front.
	analysis := analyzer.Analyze(question)

	// Answer cache (spec §4.8): an exact or semantically-close repeat
	// question short-circuits retrieval and reasoning entirely.
	var queryEmbedding []float32
	if e.answerCache != nil {
		if embs, eerr := e.embedLLM.Embed(ctx, []string{question}); eerr == nil && len(embs) > 0 {
			queryEmbedding = embs[0]
		}
		if hit := e.answerCache.Get(notebookID, question, queryEmbedding); hit.Type != cache.HitMiss {
			slog.Debug("query: answer cache hit", "notebook", notebookID, "type", hit.Type, "similarity", hit.Similarity)
			e.recordQueryMetrics(started, 1, true, "")
			return &Answer{Text: hit.Answer.Answer, Confidence: 1, ModelUsed: string(hit.Type)}, nil
		}
	}

	var answer *Answer

	// Orchestrator (spec §4.7): only complex queries are decomposed into
	// sub-questions; simple/moderate queries go straight through the
	// single retrieve+reason path below so their Sources/Reasoning trace
	// stays fully detailed.
	if e.orch != nil && orchestrator.ClassifyComplexity(question) == orchestrator.Complex {
		answerer := func(actx context.Context, q string) (orchestrator.SubAnswer, error) {
			rAnswer, _, _, err := e.retrieveAndReason(actx, notebookID, q, options)
			if err != nil {
				return orchestrator.SubAnswer{}, err
			}
			return orchestrator.SubAnswer{
				Question:   q,
				Answer:     rAnswer.Text,
				Citations:  sourcesToCitations(rAnswer.Sources),
				Confidence: rAnswer.Confidence,
			}, nil
		}

		result, err := e.orch.Run(ctx, question, answerer)
		if err != nil {
			e.recordQueryMetrics(started, 0, false, metrics.StageReason)
			return nil, fmt.Errorf("orchestration: %w", err)
		}
		answer = orchestratorResultToAnswer(result)
	} else {
		rAnswer, results, searchTrace, err := e.retrieveAndReason(ctx, notebookID, question, options)
		if err != nil {
			if errors.Is(err, ErrNoResults) {
				e.recordQueryMetrics(started, 0, false, metrics.StageRetrieve)
			} else {
				e.recordQueryMetrics(started, 0, false, metrics.StageReason)
			}
			return nil, err
		}
		answer = reasoningAnswerToAnswer(rAnswer, searchTrace)

		// Retrieval-quality gate + web fallback (spec §4.5/§4.10): engage
		// web search when the analyzer's required entities/temporal terms
		// are missing from what was retrieved, or confidence is low.
		resultTexts := make([]analyzer.ResultText, len(results))
		for i, r := range results {
			resultTexts[i] = analyzer.ResultText{Text: r.Content, Filename: r.Filename}
		}
		ok, reason := analyzer.VerifyRetrievalQuality(resultTexts, analysis)
		lowConfidence := answer.Confidence < e.cfg.ConfidenceThreshold
		if (!ok || lowConfidence) && e.webfb != nil {
			slog.Info("query: engaging web fallback", "reason", reason, "confidence", answer.Confidence)
			if revised, werr := e.queryWithWebFallback(ctx, question, answer); werr != nil {
				slog.Warn("query: web fallback failed", "error", werr)
			} else {
				answer = revised
			}
		}
	}

	// Log query
	e.store.LogQuery(ctx, notebookID, store.QueryLog{
		Query:            question,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Sources:          answer.Sources,
		RetrievalMethod:  "hybrid",
		ModelUsed:        answer.ModelUsed,
		Rounds:           answer.Rounds,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	})

	e.recordQueryMetrics(started, answer.Confidence, true, "")

	if e.answerCache != nil {
		citationNums := make([]int, len(answer.Sources))
		for i := range answer.Sources {
			citationNums[i] = i + 1
		}
		e.answerCache.Put(notebookID, question, queryEmbedding, answer.Text, citationNums)
	}

	return answer, nil
}

// retrieveAndReason runs hybrid retrieval, multi-round reasoning, and the
// synthesis follow-up widening for a single question. It is shared by the
// direct query path and by the orchestrator's per-sub-question Answerer.
func (e *engine) retrieveAndReason(ctx context.Context, notebookID, question string, options *queryOptions) (*reasoning.Answer, []store.RetrievalResult, *retrieval.SearchTrace, error) {
	results, searchTrace, err := e.retriever.Search(ctx, notebookID, question, retrieval.SearchOptions{
		MaxResults:  options.maxResults,
		WeightVec:   options.weightVec,
		WeightFTS:   options.weightFTS,
		WeightGraph: options.weightGraph,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieval: %w", err)
	}
	if len(results) == 0 {
		return nil, nil, nil, ErrNoResults
	}

	rAnswer, err := e.reasoner.Reason(ctx, question, results, reasoning.Options{
		MaxRounds: options.maxRounds,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reasoning: %w", err)
	}

	// Follow-up retrieval for synthesis queries with a full initial window.
	// When the first retrieval filled the entire result window, there are
	// likely more relevant chunks we didn't see. Extract identifiers from
	// the round-1 answer that don't appear in retrieved chunks (these may
	// be hallucinated or from LLM prior knowledge) and do a targeted FTS
	// search to find supporting evidence or disprove them.
	//
	// Gate: compare against FusedResults (the actual window size after
	// synthesis widening) rather than the caller's original maxResults,
	// so we only fire when the widened window was truly filled.
	if searchTrace != nil && searchTrace.SynthesisMode && searchTrace.FusedResults >= searchTrace.MaxRequested {
		// The widened window was filled — there are likely more chunks.
		missing := extractMissingTerms(rAnswer.Text, results)
		if len(missing) > 0 {
			slog.Debug("retrieval: synthesis follow-up",
				"missing_terms", missing, "count", len(missing))

			// Replace hyphens with spaces so FTS tokenisation matches the
			// index (FTS5 treats hyphens as separators). E.g. "ISO 13849-1"
			// becomes "ISO 13849 1" → tokens match the indexed content.
			ftsTerms := make([]string, len(missing))
			for i, m := range missing {
				ftsTerms[i] = strings.ReplaceAll(m, "-", " ")
			}
			ftsQuery := strings.Join(ftsTerms, " OR ")

			extraResults, followTrace, ferr := e.retriever.Search(ctx, notebookID, ftsQuery, retrieval.SearchOptions{
				MaxResults:  15,
				WeightFTS:   2.0,
				WeightVec:   0.5,
				WeightGraph: 1.0,
			})

			// Record follow-up in the original trace for diagnostics.
			searchTrace.FollowUpTerms = missing
			if followTrace != nil {
				searchTrace.FollowUpResults = followTrace.FusedResults
			}

			if ferr == nil && len(extraResults) > 0 {
				merged := mergeResults(results, extraResults)
				slog.Debug("retrieval: synthesis follow-up merged",
					"extra", len(extraResults), "total", len(merged))

				// Accumulate token counts from the first reasoning call
				// so the final answer reflects total usage.
				firstPromptTokens := rAnswer.PromptTokens
				firstCompletionTokens := rAnswer.CompletionTokens

				// Re-run reasoning with expanded context
				rAnswer2, rerr := e.reasoner.Reason(ctx, question, merged, reasoning.Options{
					MaxRounds: options.maxRounds,
				})
				if rerr == nil {
					rAnswer2.PromptTokens += firstPromptTokens
					rAnswer2.CompletionTokens += firstCompletionTokens
					rAnswer2.TotalTokens = rAnswer2.PromptTokens + rAnswer2.CompletionTokens
					rAnswer2.Rounds += rAnswer.Rounds
					rAnswer = rAnswer2
					results = merged
				}
			}
		}
	}

	return rAnswer, results, searchTrace, nil
}

// reasoningAnswerToAnswer converts the reasoning package's answer shape
// into the public Answer type.
func reasoningAnswerToAnswer(rAnswer *reasoning.Answer, searchTrace *retrieval.SearchTrace) *Answer {
	answer := &Answer{
		Text:             rAnswer.Text,
		Confidence:       rAnswer.Confidence,
		RetrievalTrace:   searchTrace,
		Verification:     rAnswer.Verification,
		ModelUsed:        rAnswer.ModelUsed,
		Rounds:           rAnswer.Rounds,
		PromptTokens:     rAnswer.PromptTokens,
		CompletionTokens: rAnswer.CompletionTokens,
		TotalTokens:      rAnswer.TotalTokens,
	}
	for _, s := range rAnswer.Sources {
		answer.Sources = append(answer.Sources, Source{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Content:    s.Content,
			Heading:    s.Heading,
			PageNumber: s.PageNumber,
			Score:      s.Score,
		})
	}
	for _, s := range rAnswer.Reasoning {
		answer.Reasoning = append(answer.Reasoning, Step{
			Round:      s.Round,
			Action:     s.Action,
			Input:      s.Input,
			Output:     s.Output,
			Prompt:     s.Prompt,
			Response:   s.Response,
			Validation: s.Validation,
			ChunksUsed: s.ChunksUsed,
			Tokens:     s.Tokens,
			ElapsedMs:  s.ElapsedMs,
			Issues:     s.Issues,
		})
	}
	return answer
}

// sourcesToCitations adapts reasoning sources into the orchestrator's
// import-light Citation shape for sub-answer merging.
func sourcesToCitations(sources []reasoning.Source) []orchestrator.Citation {
	citations := make([]orchestrator.Citation, len(sources))
	for i, s := range sources {
		citations[i] = orchestrator.Citation{
			Number:   i + 1,
			SourceID: s.ChunkID,
			Snippet:  truncateSnippet(s.Content, 240),
		}
	}
	return citations
}

// orchestratorResultToAnswer builds a public Answer from an orchestrated
// (decomposed) query result. Per-round reasoning trace isn't available
// for orchestrated answers since each sub-question's detail is folded
// into the orchestrator's merged citations.
func orchestratorResultToAnswer(result *orchestrator.Result) *Answer {
	answer := &Answer{
		Text:      result.Answer,
		ModelUsed: "orchestrated",
	}
	if len(result.SubAnswers) > 0 {
		var sum float64
		for _, sa := range result.SubAnswers {
			sum += sa.Confidence
		}
		answer.Confidence = sum / float64(len(result.SubAnswers))
	}
	for _, c := range result.Citations {
		answer.Sources = append(answer.Sources, Source{
			ChunkID: c.SourceID,
			Content: c.Snippet,
		})
	}
	for _, sq := range result.SubQuestions {
		answer.Reasoning = append(answer.Reasoning, Step{Action: "decompose", Output: sq})
	}
	return answer
}

// truncateSnippet truncates s to at most n runes, marking truncation.
func truncateSnippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// queryWithWebFallback engages the web fallback for a low-confidence or
// verification-failing local answer (spec §4.10), folding web sources
// into a single revised-answer prompt with local context taking
// precedence.
func (e *engine) queryWithWebFallback(ctx context.Context, question string, local *Answer) (*Answer, error) {
	webSources, err := e.webfb.Run(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(webSources) == 0 {
		return local, nil
	}

	var localCtx strings.Builder
	for i, s := range local.Sources {
		fmt.Fprintf(&localCtx, "[%d] %s\n", i+1, s.Content)
	}

	prompt := webfallback.BuildPrompt(localCtx.String(), webSources)
	resp, err := e.chatLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Answer the question using the provided local and web sources. Prefer local sources when they conflict with web sources."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\n%s", question, prompt)},
		},
	})
	if err != nil {
		return nil, err
	}

	revised := *local
	revised.Text = resp.Content
	revised.ModelUsed = resp.Model
	for _, s := range webSources {
		revised.Sources = append(revised.Sources, Source{Filename: s.URL, Content: truncateSnippet(s.Content, 1000)})
	}
	return &revised, nil
}

// recordQueryMetrics reports one query's outcome to the metrics service
// (spec §4.13). ok is false for failed queries; errStage names the
// pipeline stage that failed, empty on success.
func (e *engine) recordQueryMetrics(started time.Time, confidence float64, ok bool, errStage metrics.Stage) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(metrics.QueryMetrics{
		TotalLatencyMS: time.Since(started).Milliseconds(),
		QualityOK:      ok && confidence >= e.cfg.ConfidenceThreshold,
		ErrorStage:     errStage,
	})
}

// Update checks if a document has changed and re-ingests if needed.
func (e *engine) Update(ctx context.Context, notebookID, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	doc, err := e.store.GetDocumentByPath(ctx, notebookID, absPath)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, absPath)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return false, fmt.Errorf("hashing file: %w", err)
	}

	if hash == doc.ContentHash {
		return false, nil
	}

	_, err = e.Ingest(ctx, notebookID, absPath, WithForceReparse())
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAll checks all documents in a notebook for changes.
func (e *engine) UpdateAll(ctx context.Context, notebookID string) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx, notebookID)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, notebookID, doc.Path)
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, notebookID string, documentID int64) error {
	return e.store.DeleteDocument(ctx, notebookID, documentID)
}

// ListDocuments returns all documents ingested into a notebook.
func (e *engine) ListDocuments(ctx context.Context, notebookID string) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx, notebookID)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Filename:    d.Filename,
			Format:      d.Format,
			ContentHash: d.ContentHash,
			ParseMethod: d.ParseMethod,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// CreateNotebook creates a new notebook to ingest and query against.
func (e *engine) CreateNotebook(ctx context.Context, id, name string) error {
	return e.store.CreateNotebook(ctx, id, name)
}

// ListNotebooks returns every notebook known to this engine.
func (e *engine) ListNotebooks(ctx context.Context) ([]store.Notebook, error) {
	return e.store.ListNotebooks(ctx)
}

// DropNotebook deletes a notebook and every document, chunk, entity,
// relationship and community scoped to it.
func (e *engine) DropNotebook(ctx context.Context, notebookID string) error {
	notebooks, err := e.store.ListNotebooks(ctx)
	if err != nil {
		return fmt.Errorf("listing notebooks: %w", err)
	}
	found := false
	for _, n := range notebooks {
		if n.ID == notebookID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotebookNotFound
	}
	return e.store.DropNotebook(ctx, notebookID)
}

// SubmitIngest enqueues an ingest as a background job (spec §4.11) and
// returns immediately with a job id.
func (e *engine) SubmitIngest(notebookID, path string) (string, error) {
	return e.jobs.Submit("ingest", map[string]any{
		"notebook_id": notebookID,
		"path":        path,
	})
}

// Jobs returns the async job queue backing SubmitIngest.
func (e *engine) Jobs() *jobqueue.Queue {
	return e.jobs
}

// runIngestJob is the jobqueue.Handler for "ingest" jobs: it drives the
// same Ingest path as the synchronous API, reporting coarse progress.
func (e *engine) runIngestJob(ctx context.Context, job *jobqueue.Job, report func(jobqueue.Progress)) (any, error) {
	notebookID, _ := job.Params["notebook_id"].(string)
	path, _ := job.Params["path"].(string)

	report(jobqueue.Progress{Percent: 0, Message: "starting ingest", CurrentStep: 1, TotalSteps: 1})
	docID, err := e.Ingest(ctx, notebookID, path)
	if err != nil {
		return nil, err
	}
	report(jobqueue.Progress{Percent: 100, Message: "ingest complete", CurrentStep: 1, TotalSteps: 1})
	return map[string]any{"document_id": docID}, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Metrics returns the query metrics service.
func (e *engine) Metrics() *metrics.Service {
	return e.metrics
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

// maxEmbedChars is the maximum character length for a single text sent to the
// embedding model. Most embedding models have a context window of 8192 tokens;
// using ~24000 chars (~6000 tokens) leaves headroom for varied tokenisers and
// languages where token/char ratios differ from English.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	// Cut at the last space before the limit to avoid splitting a word.
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// embedChunks generates embeddings for chunks in batches.
// Individual batch failures trigger per-text fallback so a single oversized
// text does not cause the entire batch to be lost.
func (e *engine) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			prefix := ""
			if chunks[j].Heading != "" {
				prefix = chunks[j].Heading + ": "
			}
			texts[j-i] = truncateForEmbed(prefix + chunks[j].Content)
		}

		embeddings, err := e.embCache.GetOrComputeBatch(texts, func(miss []string) ([][]float32, error) {
			return e.embedLLM.Embed(ctx, miss)
		})
		if err != nil {
			// Batch failed — fall back to embedding each text individually
			// so one oversized text doesn't lose the entire batch.
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embCache.GetOrCompute(text, func() ([]float32, error) {
					r, err := e.embedLLM.Embed(ctx, []string{text})
					if err != nil {
						return nil, err
					}
					if len(r) == 0 {
						return nil, fmt.Errorf("empty embedding result")
					}
					return r[0], nil
				})
				if serr != nil {
					slog.Warn("embedding single text failed",
						"chunk_id", chunkIDs[i+j], "error", serr)
					failed++
					continue
				}
				if len(single) == 0 {
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single); serr != nil {
					slog.Warn("storing embedding failed",
						"chunk_id", chunkIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("storing embedding failed",
					"chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

// Regex patterns for extracting technical identifiers from answer text.
// Mirrors the patterns in graph/builder.go for consistency.
var answerIdentifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)?\b`),
	regexp.MustCompile(`(?i)IP\s*\d{2}\b`),                          // IP ratings like IP54
	regexp.MustCompile(`(?i)(?:UNE|NTP|ANSI|DIN|JIS|NF)\s*[-]?\s*\d[\w.-]*`), // additional standard prefixes
}

// falsePositivePrefixes filters out regex matches that are common in LLM
// prose but are not real technical identifiers.
var falsePositivePrefixes = []string{
	"figure ", "fig ", "table ", "step ", "page ", "section ",
	"chapter ", "item ", "part ", "ref ",
}

// isFalsePositiveIdentifier returns true if the matched string is likely
// a document cross-reference rather than a real technical identifier.
func isFalsePositiveIdentifier(ctx string, match string) bool {
	// Check if the match is preceded by a prose prefix in the surrounding text.
	idx := strings.Index(strings.ToLower(ctx), strings.ToLower(match))
	if idx <= 0 {
		return false
	}
	before := strings.ToLower(ctx[max(0, idx-10):idx])
	for _, p := range falsePositivePrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}

// extractMissingTerms finds technical identifiers in the answer text that do
// not appear in any of the retrieved chunks. These are candidates for targeted
// follow-up retrieval — they may be hallucinated or sourced from the LLM's
// prior knowledge, and finding supporting chunks improves answer grounding.
func extractMissingTerms(answer string, chunks []store.RetrievalResult) []string {
	// Build a single lowercase string of all retrieved content for fast lookup.
	var buf strings.Builder
	for _, c := range chunks {
		buf.WriteString(strings.ToLower(c.Content))
		buf.WriteByte(' ')
	}
	chunkContent := buf.String()

	seen := make(map[string]bool)
	var missing []string
	for _, p := range answerIdentifierPatterns {
		for _, m := range p.FindAllString(answer, -1) {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if isFalsePositiveIdentifier(answer, m) {
				continue
			}
			if !strings.Contains(chunkContent, key) {
				missing = append(missing, m)
			}
		}
	}
	return missing
}

// mergeResults appends extra retrieval results to the existing set,
// deduplicating by ChunkID. New results are appended at the end (lower
// priority than the original set).
func mergeResults(existing, extra []store.RetrievalResult) []store.RetrievalResult {
	seen := make(map[int64]bool, len(existing))
	for _, r := range existing {
		seen[r.ChunkID] = true
	}
	merged := make([]store.RetrievalResult, len(existing))
	copy(merged, existing)
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			merged = append(merged, r)
		}
	}
	return merged
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
