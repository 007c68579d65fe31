package tracker

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Controller states.
const (
	StateIdle        = "idle"
	StateGracePeriod = "grace_period"
	StateDetention   = "detention"
)

// Transition events.
const (
	// EventStart begins tracking on arrival confirmation.
	EventStart = "event_start"
	// EventGraceExpired moves a tracked visit into billable detention.
	EventGraceExpired = "event_grace_expired"
	// EventStop finalizes the visit and returns to idle.
	EventStop = "event_stop"
)

// newMachine builds the arrival -> grace period -> detention state
// machine. Detention is entered exactly once per visit; stop is legal
// from either tracking state.
func newMachine(logger *zap.Logger) *fsm.FSM {
	events := fsm.Events{
		{Name: EventStart, Src: []string{StateIdle}, Dst: StateGracePeriod},
		{Name: EventGraceExpired, Src: []string{StateGracePeriod}, Dst: StateDetention},
		{Name: EventStop, Src: []string{StateGracePeriod, StateDetention}, Dst: StateIdle},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			if logger != nil {
				logger.Info("tracking state change",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
				)
			}
		},
	}

	return fsm.NewFSM(StateIdle, events, callbacks)
}
