package ledger

import (
	"hash/fnv"
	"sync"
)

// stripeCount bounds the number of mutexes guarding paths. Two paths that
// hash to the same stripe serialize against each other, which is harmless.
const stripeCount = 64

// pathStripes serializes mutations per resource path.
type pathStripes struct {
	mu [stripeCount]sync.Mutex
}

// lock acquires the stripe for path and returns its unlock func.
func (s *pathStripes) lock(path string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	m := &s.mu[h.Sum32()%stripeCount]
	m.Lock()
	return m.Unlock
}
