package ledgerxgo

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// accountLocks serializes movements per account. Entries are reference
// counted and dropped once nobody holds or waits on them.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*acctLock
}

type acctLock struct {
	sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[uuid.UUID]*acctLock)}
}

// lock acquires every given account in ascending id order and returns the
// matching unlock func. Duplicate ids are locked once.
func (l *accountLocks) lock(ids ...uuid.UUID) func() {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	held := make([]*acctLock, 0, len(ordered))
	for _, id := range ordered {
		held = append(held, l.acquire(id))
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(ordered[i], held[i])
		}
	}
}

func (l *accountLocks) acquire(id uuid.UUID) *acctLock {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &acctLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.Lock()
	return al
}

func (l *accountLocks) release(id uuid.UUID, al *acctLock) {
	al.Unlock()

	l.mu.Lock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
