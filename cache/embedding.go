// Package cache implements the cache tier: an embedding LRU, a semantic
// answer cache, and a context compressor (spec §4.8). Caches are
// in-process; mutation paths take a lock only for the map structure and
// release it before invoking compute callbacks, so concurrent callers
// never block on the embedding/LLM call itself (spec §5).
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache memoizes text -> dense vector computations, keyed by
// md5(text). Concurrent calls for the same key coalesce onto a single
// in-flight computation via a per-key lock.
type EmbeddingCache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, []float32]
	inflight map[string]*singleFlight
	mirror   string // path to the disk mirror, empty disables it
}

type singleFlight struct {
	done chan struct{}
	vec  []float32
	err  error
}

// NewEmbeddingCache creates an embedding cache with the given capacity.
// mirrorPath, if non-empty, is read once at construction for a warm start
// and rewritten (write-temp, then atomic rename) after every miss.
func NewEmbeddingCache(capacity int, mirrorPath string) (*EmbeddingCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	ec := &EmbeddingCache{
		lru:      c,
		inflight: make(map[string]*singleFlight),
		mirror:   mirrorPath,
	}
	ec.loadMirror()
	return ec, nil
}

func embeddingKey(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached embedding for text, or computes it via
// fn, caches it, and returns it. Concurrent calls for the same text share
// the same computation.
func (c *EmbeddingCache) GetOrCompute(text string, fn func() ([]float32, error)) ([]float32, error) {
	key := embeddingKey(text)

	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if sf, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-sf.done
		return sf.vec, sf.err
	}
	sf := &singleFlight{done: make(chan struct{})}
	c.inflight[key] = sf
	c.mu.Unlock()

	vec, err := fn()

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.lru.Add(key, vec)
	}
	c.mu.Unlock()

	sf.vec, sf.err = vec, err
	close(sf.done)

	if err == nil {
		c.writeMirror()
	}
	return vec, err
}

// GetOrComputeBatch looks each text up in the LRU and calls fn once with
// the full set of cache-miss texts so the caller can still batch the
// underlying embedding call. Misses are not coalesced with concurrent
// GetOrCompute calls for the same text.
func (c *EmbeddingCache) GetOrComputeBatch(texts []string, fn func([]string) ([][]float32, error)) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	c.mu.Lock()
	for i, t := range texts {
		if v, ok := c.lru.Get(embeddingKey(t)); ok {
			results[i] = v
		} else {
			missTexts = append(missTexts, t)
			missIdx = append(missIdx, i)
		}
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := fn(missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i, v := range vecs {
		idx := missIdx[i]
		results[idx] = v
		c.lru.Add(embeddingKey(missTexts[i]), v)
	}
	c.mu.Unlock()

	c.writeMirror()
	return results, nil
}

// mirrorRow is the on-disk representation of one cached embedding.
type mirrorRow struct {
	Key string    `json:"key"`
	Vec []float32 `json:"vec"`
}

func (c *EmbeddingCache) loadMirror() {
	if c.mirror == "" {
		return
	}
	data, err := os.ReadFile(c.mirror)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache: failed to read embedding mirror", "path", c.mirror, "error", err)
		}
		return
	}
	var rows []mirrorRow
	if err := json.Unmarshal(data, &rows); err != nil {
		slog.Warn("cache: embedding mirror corrupt, reinitializing", "path", c.mirror, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.lru.Add(r.Key, r.Vec)
	}
	slog.Info("cache: warm-started embedding cache from mirror", "entries", len(rows))
}

func (c *EmbeddingCache) writeMirror() {
	if c.mirror == "" {
		return
	}
	c.mu.Lock()
	keys := c.lru.Keys()
	rows := make([]mirrorRow, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			rows = append(rows, mirrorRow{Key: k, Vec: v})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(rows)
	if err != nil {
		slog.Warn("cache: failed to marshal embedding mirror", "error", err)
		return
	}
	if err := atomicWrite(c.mirror, data); err != nil {
		slog.Warn("cache: failed to write embedding mirror", "error", err)
	}
}

// atomicWrite writes data to path via write-temp then rename, the
// teacher's migration-marker idiom generalized to every cache mirror.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
