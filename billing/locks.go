package billing

import (
	"sync"

	"github.com/warp/fee-ledger/ledger"
)

// planLocks serializes mutations per plan. Entries are reference counted
// and dropped when the last holder unlocks, so the map stays small.
type planLocks struct {
	mu    sync.Mutex
	locks map[ledger.PlanID]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

func newPlanLocks() *planLocks {
	return &planLocks{locks: make(map[ledger.PlanID]*planLock)}
}

// Lock blocks until the plan is free and returns the matching unlock.
func (l *planLocks) Lock(id ledger.PlanID) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &planLock{}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
