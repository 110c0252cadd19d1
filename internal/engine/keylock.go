package engine

import "sync"

// keyLocks serializes work per key. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type keyLocks struct {
	shards [shardCount]keyLockShard
}

type keyLockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	l := &keyLocks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*keyLock)
	}
	return l
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *keyLocks) Lock(key string) func() {
	s := &l.shards[shardFor(key)]

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (l *keyLocks) size() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
