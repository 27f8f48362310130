package conversion

import "sync"

type refLock struct {
	mu   sync.Mutex
	refs int
}

// lockArena hands out one mutex per key and frees it once no caller holds or
// waits on it.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (a *lockArena) lock(key string) func() {
	a.mu.Lock()
	lk, ok := a.locks[key]
	if !ok {
		lk = &refLock{}
		a.locks[key] = lk
	}
	lk.refs++
	a.mu.Unlock()

	lk.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			lk.mu.Unlock()
			a.mu.Lock()
			lk.refs--
			if lk.refs == 0 {
				delete(a.locks, key)
			}
			a.mu.Unlock()
		})
	}
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
