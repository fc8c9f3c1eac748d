// Package store keeps the in-memory candle series of a session.
package store

import (
	"sort"
	"sync"

	"chartsync/internal/market"
)

// Registry holds one *market.Series per SeriesID. Series are created on first
// use and never removed during a session; a reload replaces their contents.
type Registry struct {
	shards []registryShard
}

type registryShard struct {
	mu   sync.RWMutex
	data map[string]*market.Series
}

const defaultShardCount = 32

func NewRegistry() *Registry {
	return newRegistry(defaultShardCount)
}

func newRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 1
	}
	out := &Registry{shards: make([]registryShard, shards)}
	for i := range out.shards {
		out.shards[i] = registryShard{data: make(map[string]*market.Series)}
	}
	return out
}

func (r *Registry) shardFor(key string) *registryShard {
	idx := hashKey(key) % uint32(len(r.shards))
	return &r.shards[idx]
}

// Get returns the series if it has been registered.
func (r *Registry) Get(id market.SeriesID) (*market.Series, bool) {
	k := id.Key()
	sh := r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.data[k]
	return s, ok
}

// GetOrCreate returns the series for id, creating an empty one when absent.
// created reports whether this call created it.
func (r *Registry) GetOrCreate(id market.SeriesID) (s *market.Series, created bool) {
	if s, ok := r.Get(id); ok {
		return s, false
	}
	k := id.Key()
	sh := r.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.data[k]; ok {
		return s, false
	}
	s = market.NewSeries(id)
	sh.data[k] = s
	return s, true
}

// Put registers candles for id, replacing the contents of an existing series.
func (r *Registry) Put(id market.SeriesID, candles []market.Candle) *market.Series {
	s, created := r.GetOrCreate(id)
	if created {
		s.Merge(candles)
	} else {
		s.ReplaceAll(candles)
	}
	return s
}

// IDs lists registered series sorted by key.
func (r *Registry) IDs() []market.SeriesID {
	var out []market.SeriesID
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.data {
			out = append(out, s.ID())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// hashKey is 32-bit FNV-1a.
func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
