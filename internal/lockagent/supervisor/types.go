package supervisor

import (
	"fmt"
	"time"

	"github.com/autopeer-io/lockagent/internal/lockagent/module"
)

// State is the supervision state of the control module process.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

var allStates = []string{
	string(StateNotStarted),
	string(StateRunning),
	string(StateCrashed),
	string(StateRestarting),
	string(StateStopped),
}

// Snapshot is an immutable view of the supervisor. PID is non-zero exactly
// when State is StateRunning.
type Snapshot struct {
	State    State                 `json:"state"`
	PID      int                   `json:"pid,omitempty"`
	Module   *module.ControlModule `json:"module,omitempty"`
	Restarts int                   `json:"restarts"`
	LastExit string                `json:"lastExit,omitempty"`
	Since    time.Time             `json:"since"`
}

// ExitError is an unexpected end of the control module process, including a
// failure to start it.
type ExitError struct {
	Module *module.ControlModule
	PID    int
	Uptime time.Duration
	Err    error
}

func (e *ExitError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("control module %s failed to start: %v", e.Module.Path, e.Err)
	}
	return fmt.Sprintf("control module %s (pid %d) exited after %s: %v", e.Module.Path, e.PID, e.Uptime.Round(time.Millisecond), e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }
