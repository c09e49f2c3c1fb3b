// Package keylock serializes read-modify-write cycles per string key.
package keylock

import (
	"hash/fnv"
	"sync"
)

// stripeCount bounds the lock table; collisions only cost extra
// serialization, never correctness.
const stripeCount = 128

// Striped maps keys onto a fixed set of mutexes so that concurrent
// updates of the same key merge instead of losing a write. The zero
// value is ready to use.
type Striped struct {
	stripes [stripeCount]sync.Mutex
}

// Lock acquires the stripe for the key and returns it for unlocking.
func (s *Striped) Lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &s.stripes[h.Sum32()%stripeCount]
	mu.Lock()
	return mu
}
