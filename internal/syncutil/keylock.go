// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the stripe count used by NewKeyLock(0).
const DefaultShards = 256

// KeyLock serializes work per string key using a fixed set of lock
// stripes. Memory stays bounded no matter how many keys are seen; two keys
// that land on the same stripe wait for each other.
//
// Stripes are one-slot channels so a waiter can give up when its context
// ends.
type KeyLock struct {
	stripes []chan struct{}
}

// NewKeyLock creates a KeyLock with n stripes (DefaultShards if n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{stripes: make([]chan struct{}, n)}
	for i := range k.stripes {
		k.stripes[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's stripe is free or ctx is done. On success the
// caller must call the returned unlock func exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	s := k.stripe(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's stripe only if it is free right now.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	s := k.stripe(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) stripe(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.stripes[h.Sum32()%uint32(len(k.stripes))]
}
