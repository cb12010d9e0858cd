package storage

import (
	"container/heap"

	"github.com/google/btree"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/errors"
)

// Record pairs a replicated value with its metadata. A record belongs
// to exactly one partition's engine; the owning partition actor
// serializes all access.
type Record struct {
	Key   string
	Value *crdt.RecordValue
	Meta  Metadata
}

// EvictionPolicy selects the next eviction candidate.
type EvictionPolicy string

const (
	EvictLRU EvictionPolicy = "lru"
	EvictLFU EvictionPolicy = "lfu"
	EvictTTL EvictionPolicy = "ttl"
)

// EngineConfig bounds one engine instance.
type EngineConfig struct {
	// CostLimit is the soft byte budget; 0 means unbounded.
	CostLimit int64
	// DisableSpill turns the soft limit hard: puts beyond the limit
	// fail with overcapacity instead of triggering eviction.
	DisableSpill bool
	Policy       EvictionPolicy
}

// Engine is the in-memory ordered key→record map of one (map,
// partition) pair, with an expiration index and running cost total.
// It is not internally synchronized: the partition actor is the single
// writer.
type Engine struct {
	cfg       EngineConfig
	tree      *btree.BTreeG[*Record]
	expiry    expiryHeap
	totalCost int64
}

const btreeDegree = 16

// NewEngine creates an empty engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = EvictLRU
	}
	return &Engine{
		cfg:  cfg,
		tree: btree.NewG(btreeDegree, func(a, b *Record) bool { return a.Key < b.Key }),
	}
}

// Get returns the record for key, or nil.
func (e *Engine) Get(key string) *Record {
	rec, ok := e.tree.Get(&Record{Key: key})
	if !ok {
		return nil
	}
	return rec
}

// Put inserts or replaces a record, maintaining cost accounting and the
// expiry index. Fails with overcapacity only when spill is disabled.
// Records already stored and mutated in place must go through Update
// instead: their old cost is gone from the shared pointer by the time
// Put could look it up.
func (e *Engine) Put(rec *Record) error {
	prevCost := int64(0)
	if prev := e.Get(rec.Key); prev != nil {
		prevCost = prev.Meta.Cost
	}
	return e.put(rec, prevCost)
}

// Update re-accounts a stored record after an in-place mutation.
// prevCost is the record's cost before the mutation.
func (e *Engine) Update(rec *Record, prevCost int64) error {
	return e.put(rec, prevCost)
}

func (e *Engine) put(rec *Record, prevCost int64) error {
	newTotal := e.totalCost - prevCost + rec.Meta.Cost
	if e.cfg.DisableSpill && e.cfg.CostLimit > 0 && newTotal > e.cfg.CostLimit {
		return errors.Overcapacity(newTotal, e.cfg.CostLimit)
	}

	e.tree.ReplaceOrInsert(rec)
	e.totalCost = newTotal
	if rec.Meta.ExpirationMillis > 0 {
		heap.Push(&e.expiry, expiryEntry{key: rec.Key, expireAt: rec.Meta.ExpirationMillis})
	}
	return nil
}

// Remove deletes the record for key, returning it if present.
func (e *Engine) Remove(key string) *Record {
	rec, ok := e.tree.Delete(&Record{Key: key})
	if !ok {
		return nil
	}
	e.totalCost -= rec.Meta.Cost
	return rec
}

// Scan calls fn for each record with lo <= key < hi, in key order. An
// empty hi scans to the end. fn returning false stops the scan.
func (e *Engine) Scan(lo, hi string, fn func(*Record) bool) {
	iter := func(rec *Record) bool { return fn(rec) }
	if hi == "" {
		e.tree.AscendGreaterOrEqual(&Record{Key: lo}, iter)
		return
	}
	e.tree.AscendRange(&Record{Key: lo}, &Record{Key: hi}, iter)
}

// Len returns the record count.
func (e *Engine) Len() int {
	return e.tree.Len()
}

// TotalCost returns the running byte total across all records.
func (e *Engine) TotalCost() int64 {
	return e.totalCost
}

// OverBudget reports whether eviction is needed.
func (e *Engine) OverBudget() bool {
	return e.cfg.CostLimit > 0 && e.totalCost > e.cfg.CostLimit
}

// ExpiredKeys returns keys whose expiration is at or before nowMillis,
// popping their index entries. Stale heap entries for records that were
// rewritten or removed are skipped.
func (e *Engine) ExpiredKeys(nowMillis int64) []string {
	var expired []string
	for e.expiry.Len() > 0 {
		head := e.expiry[0]
		if head.expireAt > nowMillis {
			break
		}
		heap.Pop(&e.expiry)
		rec := e.Get(head.key)
		if rec == nil || rec.Meta.ExpirationMillis != head.expireAt {
			continue
		}
		expired = append(expired, head.key)
	}
	return expired
}

// EvictCandidate returns the next record the configured policy would
// evict, or nil for an empty engine.
func (e *Engine) EvictCandidate() *Record {
	var candidate *Record
	e.tree.Ascend(func(rec *Record) bool {
		if candidate == nil {
			candidate = rec
			return true
		}
		switch e.cfg.Policy {
		case EvictLFU:
			if rec.Meta.Hits < candidate.Meta.Hits ||
				(rec.Meta.Hits == candidate.Meta.Hits && rec.Meta.LastAccessTime < candidate.Meta.LastAccessTime) {
				candidate = rec
			}
		case EvictTTL:
			if expiresBefore(rec, candidate) {
				candidate = rec
			}
		default: // LRU
			if rec.Meta.LastAccessTime < candidate.Meta.LastAccessTime {
				candidate = rec
			}
		}
		return true
	})
	return candidate
}

func expiresBefore(a, b *Record) bool {
	// Records without expiration sort last.
	ae, be := a.Meta.ExpirationMillis, b.Meta.ExpirationMillis
	if ae == 0 {
		return false
	}
	if be == 0 {
		return true
	}
	return ae < be
}

type expiryEntry struct {
	key      string
	expireAt int64
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expireAt < h[j].expireAt }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
