package jobs

import (
	"context"
	"sync"
)

type memEntry struct {
	mu       sync.Mutex
	recorded bool
	job      *Job
}

// MemoryLedger keeps jobs in process memory. The map lock is held only
// for lookups and inserts; updates lock the single job.
type MemoryLedger struct {
	mu   sync.RWMutex
	jobs map[string]*memEntry
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{jobs: make(map[string]*memEntry)}
}

func (l *MemoryLedger) entry(jid string) (*memEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.jobs[jid]
	return e, ok
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, jid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[jid]; ok {
		return ErrJIDExists
	}
	l.jobs[jid] = &memEntry{job: &Job{JID: jid}}
	return nil
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, job *Job) error {
	l.mu.Lock()
	e, ok := l.jobs[job.JID]
	if !ok {
		e = &memEntry{}
		l.jobs[job.JID] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.job = job.Clone()
	if e.job.Returns == nil {
		e.job.Returns = make(map[string]Return)
	}
	e.recorded = true
	return nil
}

// UpdateResult implements Ledger.
func (l *MemoryLedger) UpdateResult(_ context.Context, jid string, ret Return) error {
	e, ok := l.entry(jid)
	if !ok {
		return ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recorded {
		return ErrJobNotFound
	}
	if e.job.Completed {
		return ErrJobCompleted
	}
	e.job.apply(ret)
	return nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, jid string) (*Job, error) {
	e, ok := l.entry(jid)
	if !ok {
		return nil, ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recorded {
		return nil, ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, f Filter) ([]*Job, error) {
	l.mu.RLock()
	entries := make([]*memEntry, 0, len(l.jobs))
	for _, e := range l.jobs {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := []*Job{}
	for _, e := range entries {
		e.mu.Lock()
		if e.recorded && f.Match(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	return applyLimit(out, f.Limit), nil
}

// Discard implements Ledger.
func (l *MemoryLedger) Discard(_ context.Context, jid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jid)
	return nil
}
