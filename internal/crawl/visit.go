package crawl

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const visitShards = 16

// VisitSet is a run-scoped concurrency-safe set of normalized URLs. It is
// sharded by URL hash to keep contention low at high worker counts. Claim is
// a linearizable check-and-set: exactly one caller wins per URL.
type VisitSet struct {
	shards [visitShards]visitShard
}

type visitShard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewVisitSet constructs an empty set.
func NewVisitSet() *VisitSet {
	s := &VisitSet{}
	for i := range s.shards {
		s.shards[i].seen = make(map[string]struct{})
	}
	return s
}

// Claim marks the normalized URL as seen and reports whether this caller was
// the first. Claiming an already-seen URL is a no-op.
func (s *VisitSet) Claim(normalized string) bool {
	if normalized == "" {
		return false
	}
	shard := &s.shards[shardFor(normalized)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.seen[normalized]; ok {
		return false
	}
	shard.seen[normalized] = struct{}{}
	return true
}

// Len returns the number of claimed URLs.
func (s *VisitSet) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].seen)
		s.shards[i].mu.Unlock()
	}
	return n
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % visitShards
}

// Budget caps how many distinct URLs a project may admit into the queue.
type Budget struct {
	limit   int64
	claimed atomic.Int64
}

// NewBudget constructs a budget for the given crawl limit. A non-positive
// limit admits nothing.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// TryClaim reserves one admission slot, returning false once the limit is
// reached. Reservations are never returned; a fetched-and-failed URL still
// counts against the limit.
func (b *Budget) TryClaim() bool {
	for {
		cur := b.claimed.Load()
		if cur >= b.limit {
			return false
		}
		if b.claimed.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Claimed returns the number of admissions so far.
func (b *Budget) Claimed() int64 {
	return b.claimed.Load()
}

// Limit returns the configured cap.
func (b *Budget) Limit() int64 {
	return b.limit
}
