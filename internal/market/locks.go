package market

import "sync"

// agreementLocks is the per-agreement serial lock of spec.md §5: a
// HashMap<AgreementId, Mutex> guarded by an outer mutex, entries created
// lazily and evicted on terminal transitions.
type agreementLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAgreementLocks() *agreementLocks {
	return &agreementLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *agreementLocks) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// evict drops the lock entry for key. Safe to call while no goroutine
// holds it; callers evict after committing a terminal transition.
func (l *agreementLocks) evict(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
}
