package service

import (
	"slices"
	"sync"
)

// lockTable hands out one mutex per account id. Entries are reference
// counted and dropped when nobody holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*accountLock)}
}

// Lock acquires the locks for every id in lexicographic order, so two
// callers locking the same pair in opposite order cannot deadlock.
// Duplicates and empty ids are ignored. The returned func releases them.
func (t *lockTable) Lock(ids ...string) (unlock func()) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, id)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*accountLock, 0, len(keys))
	for _, k := range keys {
		l := t.ref(k)
		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			t.unref(keys[i])
		}
	}
}

func (t *lockTable) ref(key string) *accountLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[key]
	if !ok {
		l = &accountLock{}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// size reports how many account locks are currently tracked.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
