package service

import (
	"context"
	"sync"
)

// keyedLocker hands out one mutex per key. Entries are dropped once nobody holds
// or waits for them, so the map only grows with in-flight work.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases the key.
// A ctx that is already done never acquires, even when the key is free.
func (l *keyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}
	// select picks at random when both cases are ready.
	if err := ctx.Err(); err != nil {
		<-lock.sem
		l.release(key, lock)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.release(key, lock)
		})
	}, nil
}

func (l *keyedLocker) release(key string, lock *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *keyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func orderLockKey(id string) string     { return "order:" + id }
func complaintLockKey(id string) string { return "complaint:" + id }
func accountLockKey(id string) string   { return "account:" + id }
