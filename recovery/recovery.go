// Package recovery implements Stuck-Work Recovery (spec §4.14): a
// startup sweep plus a 5-minute ticker that finds sources stuck in
// "processing" and either completes, re-ingests, or fails them.
//
// No teacher analog exists for this component; grounded on
// original_source/stuck_source_recovery.py's three-way branch and on
// the teacher's own ticker-goroutine style in cmd/server/main.go
// (time.NewTicker + select over ctx.Done()).
package recovery

import (
	"context"
	"log/slog"
	"time"
)

// StuckThreshold is how long a source may sit in "processing" before
// the sweep considers it stuck (spec §4.14).
const StuckThreshold = 10 * time.Minute

// SweepInterval is how often the background ticker runs.
const SweepInterval = 5 * time.Minute

// Document is the subset of store.Document the sweep needs.
type Document struct {
	ID        int64
	Status    string
	UpdatedAt time.Time
}

// Store is the persistence surface the sweep needs. Implemented by
// store.Store via a thin adapter in the root package so this package
// stays independent of the concrete SQLite store.
type Store interface {
	ProcessingDocuments(ctx context.Context) ([]Document, error)
	HasChunks(ctx context.Context, docID int64) (bool, error)
	HasContent(ctx context.Context, docID int64) (bool, error)
	MarkCompleted(ctx context.Context, docID int64) error
	MarkFailed(ctx context.Context, docID int64, reason string) error
}

// Reingester re-runs ingestion for a document already on disk.
type Reingester func(ctx context.Context, docID int64) error

// Sweeper runs the stuck-work recovery sweep on startup and periodically.
type Sweeper struct {
	store     Store
	reingest  Reingester
	threshold time.Duration
}

// New creates a Sweeper. reingest may be nil, in which case stuck
// sources with content but no chunks are marked failed instead of
// re-ingested.
func New(store Store, reingest Reingester) *Sweeper {
	return &Sweeper{store: store, reingest: reingest, threshold: StuckThreshold}
}

// Run performs an immediate sweep, then repeats every SweepInterval
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all sources in "processing" status,
// resolving any stuck longer than threshold (spec §4.14's three-way
// branch):
//   - index already has chunks → mark completed (the status update
//     itself was the only thing that failed to commit)
//   - original content is still available → re-ingest
//   - neither → mark failed with "no content"
func (s *Sweeper) Sweep(ctx context.Context) {
	docs, err := s.store.ProcessingDocuments(ctx)
	if err != nil {
		slog.Warn("recovery: failed to list processing documents", "error", err)
		return
	}

	now := time.Now()
	for _, doc := range docs {
		if now.Sub(doc.UpdatedAt) < s.threshold {
			continue
		}
		s.resolve(ctx, doc)
	}
}

func (s *Sweeper) resolve(ctx context.Context, doc Document) {
	hasChunks, err := s.store.HasChunks(ctx, doc.ID)
	if err != nil {
		slog.Warn("recovery: failed to check chunks", "document_id", doc.ID, "error", err)
		return
	}
	if hasChunks {
		if err := s.store.MarkCompleted(ctx, doc.ID); err != nil {
			slog.Warn("recovery: failed to mark completed", "document_id", doc.ID, "error", err)
		} else {
			slog.Info("recovery: stuck document already indexed, marked completed", "document_id", doc.ID)
		}
		return
	}

	hasContent, err := s.store.HasContent(ctx, doc.ID)
	if err != nil {
		slog.Warn("recovery: failed to check content", "document_id", doc.ID, "error", err)
		return
	}
	if hasContent && s.reingest != nil {
		if err := s.reingest(ctx, doc.ID); err != nil {
			slog.Warn("recovery: re-ingest failed", "document_id", doc.ID, "error", err)
			_ = s.store.MarkFailed(ctx, doc.ID, "re-ingest failed: "+err.Error())
			return
		}
		slog.Info("recovery: stuck document re-ingested", "document_id", doc.ID)
		return
	}

	if err := s.store.MarkFailed(ctx, doc.ID, "no content"); err != nil {
		slog.Warn("recovery: failed to mark failed", "document_id", doc.ID, "error", err)
	} else {
		slog.Info("recovery: stuck document has no recoverable content, marked failed", "document_id", doc.ID)
	}
}
