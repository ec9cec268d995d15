package monitor

import "fmt"

// State is the phase of the monitor loop.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateNormalizing
	StateDetecting
	StateProposing
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateNormalizing:
		return "normalizing"
	case StateDetecting:
		return "detecting"
	case StateProposing:
		return "proposing"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrorCode classifies a failed iteration.
type ErrorCode string

const (
	CodeCaptureFailed ErrorCode = "CAPTURE_FAILED"
	CodeProposeFailed ErrorCode = "PROPOSE_FAILED"
	CodePanic         ErrorCode = "PANIC"
)

// CycleError is returned by RunOnce when an iteration fails.
type CycleError struct {
	Code ErrorCode
	Err  error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }
