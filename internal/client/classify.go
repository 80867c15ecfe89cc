package client

import (
	"errors"
	"fmt"

	"keylobby/internal/network"
	"keylobby/internal/proto"
)

var (
	ErrClosed             = errors.New("client: closed")
	ErrAuthRejected       = errors.New("client: authentication rejected")
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	ErrServerShutdown     = errors.New("client: server shut down")
	ErrServerBye          = errors.New("client: server ended the session")
)

// ByeError is a bye frame from the server. It matches ErrServerBye, and
// ErrServerShutdown when the server is going away.
type ByeError struct {
	Reason string
}

func (e *ByeError) Error() string {
	return fmt.Sprintf("client: server said bye (%s)", e.Reason)
}

func (e *ByeError) Is(target error) bool {
	switch target {
	case ErrServerBye:
		return true
	case ErrServerShutdown:
		return e.Reason == proto.ByeShutdown
	}
	return false
}

type FailureClass int

const (
	Transient FailureClass = iota + 1
	Permanent
)

func (c FailureClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classify decides whether a connection failure is worth a reconnect. Only
// an explicit server decision, a local close or exhausted retries are final;
// everything else, known transport errors or not, is retried.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, ErrServerBye),
		errors.Is(err, ErrAuthRejected),
		errors.Is(err, ErrReconnectExhausted),
		errors.Is(err, ErrClosed):
		return Permanent
	case network.Transient(err):
		return Transient
	default:
		log.Debugf("unclassified failure treated as transient: %v", err)
		return Transient
	}
}
