package sequence

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryAllocator keeps one atomic counter per scope. Counters are lost on
// restart, so it only suits tests and single-process tooling.
type MemoryAllocator struct {
	counters sync.Map
}

// NewMemoryAllocator returns an empty allocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{}
}

// Next increments the scope counter.
func (m *MemoryAllocator) Next(_ context.Context, prefix Prefix, year int) (int64, error) {
	return m.counter(prefix, year).Add(1), nil
}

// Seed moves a scope counter forward to last. It never moves it backwards.
func (m *MemoryAllocator) Seed(prefix Prefix, year int, last int64) {
	c := m.counter(prefix, year)
	for {
		cur := c.Load()
		if cur >= last || c.CompareAndSwap(cur, last) {
			return
		}
	}
}

func (m *MemoryAllocator) counter(prefix Prefix, year int) *atomic.Int64 {
	key := string(prefix) + ":" + strconv.Itoa(year)
	if v, ok := m.counters.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.counters.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}
