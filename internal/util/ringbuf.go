// internal/util/ringbuf.go

package util

import "sync"

// Ring holds the newest values up to a fixed capacity; older values are
// overwritten. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	slots []T
	next  int
	full  bool
}

func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{slots: make([]T, size)}
}

func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	r.slots[r.next] = v
	r.next++
	if r.next == len(r.slots) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.slots)
	}
	return r.next
}

// Last returns up to n of the newest values accepted by keep, oldest first.
// n <= 0 means no limit; a nil keep accepts everything.
func (r *Ring[T]) Last(n int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.slots)
	}
	out := []T{}
	for i := 1; i <= size; i++ {
		if n > 0 && len(out) == n {
			break
		}
		v := r.slots[(r.next-i+len(r.slots))%len(r.slots)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
