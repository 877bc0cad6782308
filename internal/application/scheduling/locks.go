package scheduling

import (
	"context"
	"slices"
	"sync"
)

// lockTable hands out one exclusive section per resource id. Entries are
// created on first use and dropped when the last holder or waiter leaves.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

type resourceLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*resourceLock)}
}

// lock acquires every resource in sorted order and returns a function that
// releases them all. On ctx expiry the locks taken so far are released.
// PRE: resources may contain duplicates; they are collapsed
// POST: on success the caller exclusively owns every resource until unlock
func (t *lockTable) lock(ctx context.Context, resources []string) (func(), error) {
	ordered := slices.Clone(resources)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.release(held[i])
		}
	}
	for _, r := range ordered {
		l := t.ref(r)
		select {
		case l.sem <- struct{}{}:
			held = append(held, r)
		case <-ctx.Done():
			t.unref(r)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (t *lockTable) ref(resource string) *resourceLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[resource]
	if !ok {
		l = &resourceLock{sem: make(chan struct{}, 1)}
		t.locks[resource] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.locks[resource]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, resource)
	}
}

func (t *lockTable) release(resource string) {
	t.mu.Lock()
	l := t.locks[resource]
	t.mu.Unlock()
	<-l.sem
	t.unref(resource)
}

// size reports how many resources currently have holders or waiters.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
