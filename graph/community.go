package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/localbook/localbook/llm"
	"github.com/localbook/localbook/store"
)

// minComponentSplit is the minimum component size eligible for further
// hub-based splitting.
const minComponentSplit = 6

// maxSplitNodes caps the node count for the hub-selection split.
// Components larger than this are kept as level-0 only.
const maxSplitNodes = 200

// edge represents a weighted edge in the in-memory adjacency list.
type edge struct {
	to     int
	weight float64
}

// DetectCommunities runs community detection on the entity graph.
// Level-0 communities are connected components. Components larger than
// minComponentSplit are further split using greedy-hub-selection and
// stored as level-1 communities.
func DetectCommunities(ctx context.Context, s *store.Store, notebookID string) ([]store.Community, error) {
	entities, err := s.AllEntities(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	rels, err := s.AllRelationships(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	if len(entities) == 0 {
		return nil, nil
	}

	slog.Info("community: starting detection",
		"entities", len(entities), "relationships", len(rels))

	// Map entity ID -> index for compact adjacency representation.
	idIndex := make(map[int64]int, len(entities))
	for i, e := range entities {
		idIndex[e.ID] = i
	}

	// Build weighted adjacency list.
	adj := make([][]edge, len(entities))
	for _, r := range rels {
		si, okS := idIndex[r.SourceEntityID]
		ti, okT := idIndex[r.TargetEntityID]
		if !okS || !okT {
			continue
		}
		adj[si] = append(adj[si], edge{to: ti, weight: r.Weight})
		adj[ti] = append(adj[ti], edge{to: si, weight: r.Weight})
	}

	// --- Level 0: connected components via BFS ---
	visited := make([]bool, len(entities))
	var components [][]int

	for i := range entities {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		components = append(components, comp)
	}

	slog.Info("community: BFS found components",
		"components", len(components), "largest", largestComp(components))

	// Clear old community data before inserting new results.
	if err := s.ClearCommunities(ctx, notebookID); err != nil {
		return nil, fmt.Errorf("clearing communities: %w", err)
	}

	var communities []store.Community

	for _, comp := range components {
		ids := componentEntityIDs(comp, entities)
		idsJSON, _ := json.Marshal(ids)

		c := store.Community{
			Level:     0,
			EntityIDs: string(idsJSON),
		}
		id, err := s.InsertCommunity(ctx, notebookID, c)
		if err != nil {
			return nil, fmt.Errorf("inserting level-0 community: %w", err)
		}
		c.ID = id
		communities = append(communities, c)

		// --- Level 1: greedy-hub-selection splitting for large components ---
		// Skip if too large (the all-pairs overlap check would be too slow).
		if len(comp) > minComponentSplit && len(comp) <= maxSplitNodes {
			subcommunities := greedyHubSplit(comp, adj)
			for _, sub := range subcommunities {
				subIDs := componentEntityIDs(sub, entities)
				subJSON, _ := json.Marshal(subIDs)

				sc := store.Community{
					Level:     1,
					EntityIDs: string(subJSON),
				}
				sid, err := s.InsertCommunity(ctx, notebookID, sc)
				if err != nil {
					return nil, fmt.Errorf("inserting level-1 community: %w", err)
				}
				sc.ID = sid
				communities = append(communities, sc)
			}
		}
	}

	slog.Info("community: detection complete", "communities", len(communities))
	return communities, nil
}

func largestComp(comps [][]int) int {
	max := 0
	for _, c := range comps {
		if len(c) > max {
			max = len(c)
		}
	}
	return max
}

// componentEntityIDs maps component node indices back to entity IDs.
func componentEntityIDs(comp []int, entities []store.Entity) []int64 {
	ids := make([]int64, len(comp))
	for i, idx := range comp {
		ids[i] = entities[idx].ID
	}
	return ids
}

// greedyHubSplit splits a connected component into sub-communities using
// the highest-degree-hub-claims-neighbours algorithm: the remaining node
// with the most connections becomes a hub and claims every unassigned
// neighbour; once no more hubs can be formed, any node still unassigned
// joins whichever group it shares the most edges with, falling back to
// its own singleton group if it has no overlap with any group at all.
func greedyHubSplit(comp []int, adj [][]edge) [][]int {
	n := len(comp)
	if n < minComponentSplit {
		return [][]int{comp}
	}

	inComp := make(map[int]bool, n)
	for _, node := range comp {
		inComp[node] = true
	}

	// degree counts only edges within this component.
	degree := make(map[int]int, n)
	neighboursOf := make(map[int][]int, n)
	for _, node := range comp {
		for _, e := range adj[node] {
			if inComp[e.to] {
				degree[node]++
				neighboursOf[node] = append(neighboursOf[node], e.to)
			}
		}
	}

	order := make([]int, n)
	copy(order, comp)
	sort.Slice(order, func(i, j int) bool { return degree[order[i]] > degree[order[j]] })

	assigned := make(map[int]int, n) // node -> group index
	var groups [][]int

	// Pass 1: each remaining highest-degree node becomes a hub and claims
	// its still-unassigned neighbours.
	for _, node := range order {
		if _, ok := assigned[node]; ok {
			continue
		}
		gi := len(groups)
		group := []int{node}
		assigned[node] = gi
		for _, nb := range neighboursOf[node] {
			if _, ok := assigned[nb]; !ok {
				assigned[nb] = gi
				group = append(group, nb)
			}
		}
		groups = append(groups, group)
	}

	// Pass 2: any node that ended up unassigned (none of its neighbours
	// had become a hub yet when passed over — shouldn't normally happen
	// since pass 1 covers every node, but defends against it) joins the
	// group with which it shares the most edges, or becomes a singleton.
	for _, node := range comp {
		if _, ok := assigned[node]; ok {
			continue
		}
		overlap := make(map[int]int)
		for _, nb := range neighboursOf[node] {
			if gi, ok := assigned[nb]; ok {
				overlap[gi]++
			}
		}
		best, bestCount := -1, 0
		for gi, count := range overlap {
			if count > bestCount {
				best, bestCount = gi, count
			}
		}
		if best >= 0 {
			assigned[node] = best
			groups[best] = append(groups[best], node)
		} else {
			assigned[node] = len(groups)
			groups = append(groups, []int{node})
		}
	}

	if len(groups) <= 1 {
		return [][]int{comp}
	}
	return groups
}

// SummarizeCommunities uses the LLM to generate a natural-language summary
// for each community based on its member entities. Summaries are generated
// concurrently (up to 8 at a time) and individual failures are logged but
// do not abort the entire operation.
func SummarizeCommunities(ctx context.Context, s *store.Store, notebookID string, chat llm.Provider, communities []store.Community) error {
	// Load all entities once; filter per community.
	allEntities, err := s.AllEntities(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("loading entities for summarisation: %w", err)
	}

	// Build lookup by ID.
	entityByID := make(map[int64]store.Entity, len(allEntities))
	for _, e := range allEntities {
		entityByID[e.ID] = e
	}

	const concurrency = 8
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int

	for i := range communities {
		c := &communities[i]

		var entityIDs []int64
		if err := json.Unmarshal([]byte(c.EntityIDs), &entityIDs); err != nil {
			slog.Warn("community: failed to parse entity_ids", "community_id", c.ID, "error", err)
			failed++
			continue
		}

		if len(entityIDs) == 0 {
			continue
		}

		// Collect entity descriptions for the prompt.
		var descriptions []string
		for _, eid := range entityIDs {
			e, ok := entityByID[eid]
			if !ok {
				continue
			}
			if e.Description != "" {
				descriptions = append(descriptions, fmt.Sprintf("- %s (%s): %s", e.Name, e.EntityType, e.Description))
			} else {
				descriptions = append(descriptions, fmt.Sprintf("- %s (%s)", e.Name, e.EntityType))
			}
		}

		if len(descriptions) == 0 {
			continue
		}

		prompt := fmt.Sprintf(
			"Summarize the following group of related entities in 2-3 sentences. "+
				"Explain what connects them and their significance.\n\nEntities:\n%s",
			strings.Join(descriptions, "\n"),
		)

		wg.Add(1)
		sem <- struct{}{}
		go func(c *store.Community, prompt string, idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			resp, err := chat.Chat(ctx, llm.ChatRequest{
				Messages: []llm.Message{
					{Role: "user", Content: prompt},
				},
				Temperature: 0.3,
			})
			if err != nil {
				slog.Warn("community: summarization failed",
					"community_id", c.ID, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			summary := strings.TrimSpace(resp.Content)

			db := s.DB()
			if _, err := db.ExecContext(ctx,
				"UPDATE communities SET summary = ? WHERE id = ?",
				summary, c.ID,
			); err != nil {
				slog.Warn("community: failed to store summary",
					"community_id", c.ID, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			mu.Lock()
			c.Summary = summary
			done := len(communities) - failed - countPending(&wg)
			mu.Unlock()

			_ = done // progress logged below
			slog.Info("community: summarized",
				"community_id", c.ID,
				"progress", fmt.Sprintf("%d/%d", idx+1, len(communities)))
		}(c, prompt, i)
	}

	wg.Wait()

	if failed > 0 {
		slog.Warn("community: some summaries failed", "failed", failed, "total", len(communities))
	}
	slog.Info("community: summarization complete",
		"succeeded", len(communities)-failed, "failed", failed)
	return nil
}

// countPending returns a rough count of pending goroutines. Used only for
// progress logging, not for correctness.
func countPending(_ *sync.WaitGroup) int { return 0 }
