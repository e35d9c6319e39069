package ledger

import "sync"

// accountLocks serializes mutations per account inside one process.
// Entries are reference counted and dropped when the last holder leaves,
// so two different accounts never share a mutex.
type accountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[AccountID]*accountLock)}
}

// Lock blocks until id is free and returns the matching unlock func.
func (l *accountLocks) Lock(id AccountID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &accountLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
