package sessions

import "sync"

// locker hands out one mutex per session key, released when the last holder
// returns. Keeps the lock table from growing with dead sessions.
type locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLocker() *locker {
	return &locker{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns its release func.
func (l *locker) Lock(key string) func() {
	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
