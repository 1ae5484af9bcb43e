package controller

import "github.com/breeze-rmm/updater/internal/pipeline"

// RunState is the lifecycle of the current or most recent update run.
type RunState int

const (
	Idle RunState = iota
	Running
	Cancelling
	Completed
	Cancelled
	Failed
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanStart reports whether a new run may begin.
func (s RunState) CanStart() bool {
	return s != Running && s != Cancelling
}

// CanCancel reports whether the current run may be cancelled.
func (s RunState) CanCancel() bool {
	return s == Running
}

func stateFor(o pipeline.Outcome) RunState {
	switch o {
	case pipeline.Completed:
		return Completed
	case pipeline.Cancelled:
		return Cancelled
	default:
		return Failed
	}
}
