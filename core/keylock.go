package core

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes critical sections per string key using lock striping.
// The ingestion gateway locks on the normalized target value so that the
// dedup-check-then-insert sequence for one target cannot interleave with a
// concurrent report of the same target. Striping bounds memory: unrelated
// keys may share a stripe, which costs contention but never correctness.
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex creates a keyed mutex with the given number of stripes.
// Stripe counts below 1 fall back to a sensible default.
func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes < 1 {
		stripes = 256
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock function
func (km *KeyedMutex) Lock(key string) func() {
	stripe := &km.stripes[km.index(key)]
	stripe.Lock()
	return stripe.Unlock
}

func (km *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % uint32(len(km.stripes))
}
