// Package syncutil provides locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 64

// KeyedMutex serializes work per key using a fixed pool of channel-backed
// locks. Keys that hash to the same shard share a lock. Waiters can give up
// when their context ends.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates an unlocked KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key and returns its release function, or the
// context error if ctx ends first. The release function must be called
// exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
