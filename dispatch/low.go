package dispatch

import (
	"time"

	"github.com/BaSui01/minionflow/transport"
)

// Mode is the client mode of a request.
type Mode string

// Client modes.
const (
	ModeLocal       Mode = "local"
	ModeLocalAsync  Mode = "local_async"
	ModeRunner      Mode = "runner"
	ModeRunnerAsync Mode = "runner_async"
	ModeBatch       Mode = "local_batch"
)

// Async reports whether the mode returns before results arrive.
func (m Mode) Async() bool {
	return m == ModeLocalAsync || m == ModeRunnerAsync
}

// Credentials authenticate a request: either a token or eauth
// credentials checked on every call.
type Credentials struct {
	Token    string
	Eauth    string
	Username string
	Password string
}

// Call holds the fields every request variant shares.
type Call struct {
	Fun         string
	Args        []any
	Kwargs      map[string]any
	Credentials Credentials
	// Timeout overrides the default wait of sync modes when positive.
	Timeout time.Duration
}

func (c *Call) base() *Call { return c }

// Low is one validated request. The concrete types are LocalSync,
// LocalAsync, RunnerSync, RunnerAsync and Batch.
type Low interface {
	Mode() Mode
	base() *Call
}

// LocalSync runs a function on the targeted minions and waits for returns.
type LocalSync struct {
	Call
	Target transport.Target
}

// LocalAsync publishes a function to the targeted minions.
type LocalAsync struct {
	Call
	Target transport.Target
}

// RunnerSync runs a runner function on the master and waits for it.
type RunnerSync struct {
	Call
}

// RunnerAsync queues a runner function on the master.
type RunnerAsync struct {
	Call
}

// Batch runs a function on the targeted minions through a moving window.
type Batch struct {
	Call
	Target transport.Target
	// Size is an absolute count ("3") or a percentage ("10%").
	Size string
	// Wait bounds how long one minion may hold a window slot. Zero means
	// the engine default.
	Wait time.Duration
}

// Mode implements Low.
func (*LocalSync) Mode() Mode { return ModeLocal }

// Mode implements Low.
func (*LocalAsync) Mode() Mode { return ModeLocalAsync }

// Mode implements Low.
func (*RunnerSync) Mode() Mode { return ModeRunner }

// Mode implements Low.
func (*RunnerAsync) Mode() Mode { return ModeRunnerAsync }

// Mode implements Low.
func (*Batch) Mode() Mode { return ModeBatch }
