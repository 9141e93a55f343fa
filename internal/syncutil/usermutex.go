// Package syncutil provides keyed locking used to serialize ledger mutations.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 128

// UserMutex serializes operations per user key. All ledger mutations for a
// user (redemption, reversal, reconciliation status changes) must run under
// the same lock so staged commits never interleave. Locks are channel-based
// so waiters can bail out on context cancellation.
type UserMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewUserMutex creates a UserMutex with all shards unlocked.
func NewUserMutex() *UserMutex {
	m := &UserMutex{}
	m.init()
	return m
}

func (m *UserMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for key, respecting context cancellation. On
// success it returns an unlock function which the caller must invoke; on
// cancellation it returns nil and the context error.
func (m *UserMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *UserMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
