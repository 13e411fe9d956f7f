package shard

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Locker struct {
	locks *Map[*keyLock]
}

func NewLocker() *Locker {
	return &Locker{locks: NewMap[*keyLock](0)}
}

// Lock blocks until the caller holds key's mutex and returns the function
// that releases it.
func (l *Locker) Lock(key string) (unlock func()) {
	var kl *keyLock
	l.locks.Do(key, func(cur *keyLock, ok bool) (*keyLock, bool) {
		if !ok {
			cur = &keyLock{}
		}
		cur.refs++
		kl = cur
		return cur, true
	})

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.locks.Do(key, func(cur *keyLock, ok bool) (*keyLock, bool) {
				if !ok {
					return nil, false
				}
				cur.refs--
				return cur, cur.refs > 0
			})
		})
	}
}

// Held reports how many keys currently have a holder or waiter.
func (l *Locker) Held() int {
	return l.locks.Len()
}
