package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// tierIntervals are the four "sleep cycle" thresholds from spec §4.12.
const (
	compactInterval  = 1 * time.Hour
	patternInterval  = 3 * time.Hour
	deepInterval     = 6 * time.Hour
	dailyInterval    = 24 * time.Hour
	schedulerTick    = 15 * time.Minute
	staleEntryAge    = 30 * 24 * time.Hour
	staleMinAccess   = 3
	archivalMaxAge   = 90 * 24 * time.Hour
	compressAfterAge = 7 * 24 * time.Hour
	compressMinCount = 5
	eventLogMaxAge   = 7 * 24 * time.Hour
)

// Summarizer composes a short natural-language summary of a burst of
// core entries. Backed by the host's LLM provider; kept pluggable so
// this package stays LLM-agnostic like the teacher's graph package does
// for its community summarizer.
type Summarizer func(entries []*CoreEntry) string

// Consolidator runs the four-tier scheduled consolidation described in
// spec §4.12. Each tier tracks its own last-run time; the scheduler
// wakes every 15 minutes and evaluates all four "due?" conditions
// independently (spec §9 design note on the source's scheduled sleep
// cycle). A single global lock serializes the deep-consolidation step.
type Consolidator struct {
	log        *Log
	store      *Store
	summarize  Summarizer
	idSeq      int64

	mu         sync.Mutex // guards last-run timestamps
	lastCompact, lastPattern, lastDeep, lastDaily time.Time

	deepLock sync.Mutex // global lock serializing deep consolidation

	notebooks func() []string // returns the set of notebook ids to sweep
}

// New creates a Consolidator. notebooks supplies the current set of
// notebook ids to sweep on each tier; summarize is used only by the deep
// tier's compression step.
func New(log *Log, store *Store, summarize Summarizer, notebooks func() []string) *Consolidator {
	if summarize == nil {
		summarize = defaultSummarize
	}
	return &Consolidator{log: log, store: store, summarize: summarize, notebooks: notebooks}
}

func defaultSummarize(entries []*CoreEntry) string {
	return fmt.Sprintf("%d related memory entries consolidated.", len(entries))
}

// Run starts the scheduler loop; it blocks until ctx is cancelled.
func (c *Consolidator) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	c.tick() // evaluate once immediately on startup
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick checks all four due? conditions and runs whichever have elapsed.
// Consolidation is idempotent: checking last_run+interval<=now before
// running means a tick that finds nothing due is a no-op.
func (c *Consolidator) tick() {
	now := time.Now()

	c.mu.Lock()
	compactDue := now.Sub(c.lastCompact) >= compactInterval
	patternDue := now.Sub(c.lastPattern) >= patternInterval
	deepDue := now.Sub(c.lastDeep) >= deepInterval
	dailyDue := now.Sub(c.lastDaily) >= dailyInterval
	c.mu.Unlock()

	if compactDue {
		c.compact(now)
	}
	if patternDue {
		c.patternAnalysis(now)
	}
	if deepDue {
		c.deepConsolidation(now)
	}
	if dailyDue {
		c.dailySummary(now)
	}
}

// compact dedupes/merges event bursts every hour (spec §4.12).
func (c *Consolidator) compact(now time.Time) {
	events, err := c.log.ReadDay(now)
	if err != nil {
		slog.Warn("memory: compact: failed to read today's events", "error", err)
		return
	}
	merged := dedupeBursts(events)
	slog.Info("memory: compact complete", "events", len(events), "merged", len(merged))

	c.mu.Lock()
	c.lastCompact = now
	c.mu.Unlock()
}

// dedupeBursts merges consecutive events of the same type+notebook
// within a short window into one, counting occurrences in the payload.
func dedupeBursts(events []Event) []Event {
	if len(events) == 0 {
		return nil
	}
	const burstWindow = 2 * time.Minute
	var merged []Event
	for _, e := range events {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Type == e.Type && last.NotebookID == e.NotebookID &&
				e.Timestamp.Sub(last.Timestamp) <= burstWindow {
				if last.Payload == nil {
					last.Payload = map[string]any{}
				}
				count, _ := last.Payload["merged_count"].(int)
				last.Payload["merged_count"] = count + 1
				continue
			}
		}
		merged = append(merged, e)
	}
	return merged
}

// patternAnalysis counts events by kind every 3 hours and surfaces
// shifts (spec §4.12). Counts are logged; downstream collectors may
// subscribe to the log for their own signal processing.
func (c *Consolidator) patternAnalysis(now time.Time) {
	events, err := c.log.ReadRange(now.Add(-patternInterval), now)
	if err != nil {
		slog.Warn("memory: pattern analysis: failed to read events", "error", err)
		return
	}
	counts := make(map[EventType]int)
	for _, e := range events {
		counts[e.Type]++
	}
	slog.Info("memory: pattern analysis complete", "window", patternInterval, "counts", counts)

	// Negative signals (ignored items, search misses) feed back into
	// downstream collectors' focus; here that is a log line a collector
	// can key off of rather than a direct callback, keeping this package
	// decoupled from the retrieval engine.
	negative := counts[EventSearchMissed] + counts[EventItemIgnored]
	if negative > 0 {
		slog.Info("memory: negative signals observed", "search_missed", counts[EventSearchMissed], "item_ignored", counts[EventItemIgnored])
	}

	c.mu.Lock()
	c.lastPattern = now
	c.mu.Unlock()
}

// deepConsolidation runs every 6 hours, serialized by a global lock so
// concurrent deep passes never overlap (spec §4.12, §5 backpressure).
func (c *Consolidator) deepConsolidation(now time.Time) {
	c.deepLock.Lock()
	defer c.deepLock.Unlock()

	notebooks := c.notebookIDs()
	demoted, pruned := 0, 0
	for _, nb := range notebooks {
		demoted += c.store.DemoteStaleCore(nb, staleEntryAge, staleMinAccess, c.summarize, c.nextID)
	}
	pruned = c.store.PruneArchival(now.Add(-archivalMaxAge))

	slog.Info("memory: deep consolidation complete",
		"notebooks", len(notebooks), "demoted", demoted, "pruned_archival", pruned)

	c.mu.Lock()
	c.lastDeep = now
	c.mu.Unlock()
}

func (c *Consolidator) nextID() string {
	c.idSeq++
	return fmt.Sprintf("arch-%d-%d", time.Now().UnixNano(), c.idSeq)
}

func (c *Consolidator) notebookIDs() []string {
	if c.notebooks == nil {
		return nil
	}
	return c.notebooks()
}

// dailySummary aggregates event counts by kind/notebook and prunes old
// event-log files every 24 hours (spec §4.12).
func (c *Consolidator) dailySummary(now time.Time) {
	events, err := c.log.ReadDay(now)
	if err != nil {
		slog.Warn("memory: daily summary: failed to read events", "error", err)
		return
	}
	byNotebook := make(map[string]map[EventType]int)
	for _, e := range events {
		if byNotebook[e.NotebookID] == nil {
			byNotebook[e.NotebookID] = make(map[EventType]int)
		}
		byNotebook[e.NotebookID][e.Type]++
	}
	slog.Info("memory: daily summary complete", "notebooks", len(byNotebook), "total_events", len(events))

	if err := c.log.PruneOlderThan(now.Add(-eventLogMaxAge)); err != nil {
		slog.Warn("memory: daily summary: failed to prune event log", "error", err)
	}

	c.mu.Lock()
	c.lastDaily = now
	c.mu.Unlock()
}
