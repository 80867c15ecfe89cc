package client

import "fmt"

// Phase is the coarse connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is the controller's connection state. Attempt is only meaningful
// while Reconnecting and counts the retry currently being waited for or run.
type State struct {
	Phase   Phase
	Attempt int
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Phase.String()
}

type EventKind int

const (
	// EvStart begins the first connection attempt.
	EvStart EventKind = iota + 1
	// EvSynced means handshake and snapshot completed.
	EvSynced
	// EvTransient is a transport failure worth retrying.
	EvTransient
	// EvPermanent is a failure that ends the session for good.
	EvPermanent
	// EvClose is an explicit local close.
	EvClose
)

func (k EventKind) String() string {
	switch k {
	case EvStart:
		return "start"
	case EvSynced:
		return "synced"
	case EvTransient:
		return "transient"
	case EvPermanent:
		return "permanent"
	case EvClose:
		return "close"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Err  error
}

// Effect is a side effect the controller performs after a transition.
type Effect int

const (
	// EffDial starts a connection attempt.
	EffDial Effect = iota + 1
	// EffScheduleRetry waits out the backoff for the new attempt.
	EffScheduleRetry
	// EffResetLobby discards the delta-built presence view.
	EffResetLobby
	// EffRequeueInflight returns unacknowledged sends to the pending queue.
	EffRequeueInflight
	// EffDrainQueue sends every pending message in order.
	EffDrainQueue
	// EffDiscardQueue drops all pending messages.
	EffDiscardQueue
	// EffTerminate reports the terminal error to the caller.
	EffTerminate
)

func (e Effect) String() string {
	switch e {
	case EffDial:
		return "dial"
	case EffScheduleRetry:
		return "schedule_retry"
	case EffResetLobby:
		return "reset_lobby"
	case EffRequeueInflight:
		return "requeue_inflight"
	case EffDrainQueue:
		return "drain_queue"
	case EffDiscardQueue:
		return "discard_queue"
	case EffTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Transition is the connection state machine. It has no side effects; events
// that make no sense in the current state leave it unchanged.
func Transition(s State, e Event) (State, []Effect) {
	if e.Kind == EvClose {
		if s.Phase == Disconnected {
			return s, []Effect{EffDiscardQueue}
		}
		return State{Phase: Disconnected}, []Effect{EffResetLobby, EffDiscardQueue, EffTerminate}
	}
	switch s.Phase {
	case Disconnected:
		if e.Kind == EvStart {
			return State{Phase: Connecting}, []Effect{EffDial}
		}
	case Connecting:
		switch e.Kind {
		case EvSynced:
			return State{Phase: Connected}, []Effect{EffDrainQueue}
		case EvTransient:
			return State{Phase: Reconnecting, Attempt: 1}, []Effect{EffScheduleRetry}
		case EvPermanent:
			return State{Phase: Disconnected}, []Effect{EffTerminate}
		}
	case Connected:
		switch e.Kind {
		case EvTransient:
			return State{Phase: Reconnecting, Attempt: 1}, []Effect{EffResetLobby, EffRequeueInflight, EffScheduleRetry}
		case EvPermanent:
			return State{Phase: Disconnected}, []Effect{EffResetLobby, EffRequeueInflight, EffTerminate}
		}
	case Reconnecting:
		switch e.Kind {
		case EvSynced:
			return State{Phase: Connected}, []Effect{EffDrainQueue}
		case EvTransient:
			return State{Phase: Reconnecting, Attempt: s.Attempt + 1}, []Effect{EffScheduleRetry}
		case EvPermanent:
			return State{Phase: Disconnected}, []Effect{EffTerminate}
		}
	}
	return s, nil
}
