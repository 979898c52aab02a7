package ocl

import "sync"

// KeepAlive holds boxed per-iteration values, typically callback contexts,
// keyed by sequence number. Entries are dropped only by ReleaseThrough,
// which callers invoke after a Queue.Finish that covers every callback
// referencing them.
type KeepAlive[T any] struct {
	mu      sync.Mutex
	entries map[int]*T
}

// NewKeepAlive returns an empty collection.
func NewKeepAlive[T any]() *KeepAlive[T] {
	return &KeepAlive[T]{entries: make(map[int]*T)}
}

// Store boxes v under seq and returns the stable pointer. A previous entry
// for seq is replaced.
func (k *KeepAlive[T]) Store(seq int, v T) *T {
	p := new(T)
	*p = v
	k.mu.Lock()
	k.entries[seq] = p
	k.mu.Unlock()
	return p
}

// Load returns the entry stored under seq.
func (k *KeepAlive[T]) Load(seq int) (*T, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.entries[seq]
	return p, ok
}

// ReleaseThrough drops every entry with a sequence number <= seq and
// returns how many were dropped.
func (k *KeepAlive[T]) ReleaseThrough(seq int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for s := range k.entries {
		if s <= seq {
			delete(k.entries, s)
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (k *KeepAlive[T]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
