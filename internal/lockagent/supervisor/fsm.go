package supervisor

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/lockagent/internal/pkg/util/fsm"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	// EventLaunch marks a successfully started process.
	EventLaunch = "launch"
	// EventCrash marks an unexpected exit or a failed start.
	EventCrash = "crash"
	// EventRestart begins the restart delay after a crash.
	EventRestart = "restart"
	// EventSwap retires a healthy process in favour of a new module.
	EventSwap = "swap"
	// EventStop ends supervision for good.
	EventStop = "stop"
)

func newStateMachine() *fsm.FSM {
	events := fsm.Events{
		{Name: EventLaunch, Src: []string{string(StateNotStarted), string(StateRestarting)}, Dst: string(StateRunning)},
		{Name: EventCrash, Src: []string{string(StateNotStarted), string(StateRunning), string(StateRestarting)}, Dst: string(StateCrashed)},
		{Name: EventRestart, Src: []string{string(StateCrashed)}, Dst: string(StateRestarting)},
		{Name: EventSwap, Src: []string{string(StateRunning)}, Dst: string(StateRestarting)},
		{
			Name: EventStop,
			Src:  []string{string(StateNotStarted), string(StateRunning), string(StateCrashed), string(StateRestarting)},
			Dst:  string(StateStopped),
		},
	}

	callbacks := fsm.Callbacks{
		// Callbacks must not call back into the FSM; they only report.
		"enter_state": fsmutil.WrapEvent(func(_ context.Context, e *fsm.Event) error {
			metrics.SetState(metrics.SupervisionState, e.Dst, allStates...)
			log.Debug("Supervision state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			return nil
		}),
	}

	return fsm.NewFSM(string(StateNotStarted), events, callbacks)
}
