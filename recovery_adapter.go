package localbook

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/localbook/localbook/recovery"
	"github.com/localbook/localbook/store"
)

// storeRecoveryAdapter satisfies recovery.Store against the concrete
// SQLite-backed store, translating its existing Document/status methods
// into the narrower shape the recovery sweep needs. The sweep itself is
// notebook-agnostic (recovery.Document carries no notebook field), so the
// adapter tracks which notebook each in-flight document ID belongs to and
// resolves it back out on the later HasChunks/HasContent/MarkCompleted/
// MarkFailed calls.
type storeRecoveryAdapter struct {
	s *store.Store

	mu        sync.Mutex
	notebooks map[int64]string
}

func newStoreRecoveryAdapter(s *store.Store) *storeRecoveryAdapter {
	return &storeRecoveryAdapter{s: s, notebooks: make(map[int64]string)}
}

func (a *storeRecoveryAdapter) notebookFor(docID int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notebooks[docID]
}

func (a *storeRecoveryAdapter) ProcessingDocuments(ctx context.Context) ([]recovery.Document, error) {
	notebooks, err := a.s.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}

	var out []recovery.Document
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, nb := range notebooks {
		docs, err := a.s.ProcessingDocuments(ctx, nb.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			updated, _ := time.Parse("2006-01-02 15:04:05", d.UpdatedAt)
			a.notebooks[d.ID] = nb.ID
			out = append(out, recovery.Document{ID: d.ID, Status: d.Status, UpdatedAt: updated})
		}
	}
	return out, nil
}

func (a *storeRecoveryAdapter) HasChunks(ctx context.Context, docID int64) (bool, error) {
	chunks, err := a.s.GetChunksByDocument(ctx, a.notebookFor(docID), docID)
	if err != nil {
		return false, err
	}
	return len(chunks) > 0, nil
}

func (a *storeRecoveryAdapter) HasContent(ctx context.Context, docID int64) (bool, error) {
	doc, err := a.s.GetDocument(ctx, a.notebookFor(docID), docID)
	if err != nil {
		return false, err
	}
	if doc == nil || doc.Path == "" {
		return false, nil
	}
	_, statErr := os.Stat(doc.Path)
	return statErr == nil, nil
}

func (a *storeRecoveryAdapter) MarkCompleted(ctx context.Context, docID int64) error {
	return a.s.UpdateDocumentStatus(ctx, a.notebookFor(docID), docID, "completed")
}

func (a *storeRecoveryAdapter) MarkFailed(ctx context.Context, docID int64, reason string) error {
	return a.s.UpdateDocumentStatus(ctx, a.notebookFor(docID), docID, "failed")
}

// RecoverySweeper builds a recovery.Sweeper bound to this engine's
// store, re-ingesting stuck sources through the engine's own Ingest path.
func (e *engine) RecoverySweeper() *recovery.Sweeper {
	adapter := newStoreRecoveryAdapter(e.store)
	reingest := func(ctx context.Context, docID int64) error {
		notebookID := adapter.notebookFor(docID)
		doc, err := e.store.GetDocument(ctx, notebookID, docID)
		if err != nil {
			return err
		}
		_, err = e.Ingest(ctx, notebookID, doc.Path, WithForceReparse())
		return err
	}
	return recovery.New(adapter, reingest)
}
