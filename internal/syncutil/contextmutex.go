// Package syncutil holds the keyed locking primitive the orchestrator uses
// to serialize lifecycle transitions per trade.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ContextShardedMutex maps string keys onto a fixed pool of channel-based
// mutexes. Memory stays bounded no matter how many keys are locked over the
// process lifetime; two keys hashing to the same shard contend with each
// other, which is acceptable for short critical sections.
//
// Channel mutexes allow a waiter to abandon the acquisition when its context
// is cancelled, which sync.Mutex cannot do.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex returns a mutex pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{shards: make([]chan struct{}, shardCount)}
	for i := range m.shards {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		m.shards[i] = ch
	}
	return m
}

// LockContext acquires the shard for key, blocking until the lock is held or
// ctx is done. On success the returned function releases the lock and must be
// called exactly once. On cancellation the lock is not held and the context
// error is returned.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardFor(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
