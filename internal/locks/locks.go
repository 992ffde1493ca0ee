// Package locks provides a keyed mutex registry. Group-scoped operations
// (create, accept-invite, rotate, send, receive) are serialized per group:
// the export-secret cache and epoch are not safe for concurrent mutation.
package locks

import (
	"sync"

	"github.com/murmur-im/go-murmur/ids"
)

type Locks struct {
	mu sync.Mutex
	m  map[ids.ID]*sync.Mutex
}

func New() *Locks {
	return &Locks{m: make(map[ids.ID]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns the release function.
func (l *Locks) Lock(id ids.ID) func() {
	l.mu.Lock()
	gm, ok := l.m[id]
	if !ok {
		gm = &sync.Mutex{}
		l.m[id] = gm
	}
	l.mu.Unlock()
	gm.Lock()
	return gm.Unlock
}
