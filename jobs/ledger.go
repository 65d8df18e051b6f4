package jobs

import (
	"context"
	"errors"
)

var (
	// ErrJobNotFound is returned for unknown jids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJIDExists is returned by Reserve when the jid is taken.
	ErrJIDExists = errors.New("jid already exists")
	// ErrJobCompleted is returned when a result arrives for a completed job.
	ErrJobCompleted = errors.New("job already completed")
)

// Ledger records jobs and their results. Implementations allow
// concurrent readers and serialize writers per jid.
type Ledger interface {
	// Reserve claims jid, failing with ErrJIDExists if it was issued before.
	Reserve(ctx context.Context, jid string) error
	// Record stores the metadata of a reserved job.
	Record(ctx context.Context, job *Job) error
	// UpdateResult adds one minion's result.
	UpdateResult(ctx context.Context, jid string, ret Return) error
	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, jid string) (*Job, error)
	// List returns matching jobs ordered by jid.
	List(ctx context.Context, f Filter) ([]*Job, error)
	// Discard drops a job that was never handed out.
	Discard(ctx context.Context, jid string) error
}
