package pipeline

import "github.com/breeze-rmm/updater/internal/activity"

// Kind distinguishes the events a run emits.
type Kind int

const (
	// KindProgress reports a completed stage.
	KindProgress Kind = iota
	// KindLog carries a log line that does not move progress.
	KindLog
	// KindTerminal is the last event of every run.
	KindTerminal
)

// Outcome is how a run ended.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
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

// Event is one item of a run's event stream. Progress events carry Stage,
// Percent, Status and Message; terminal events carry Outcome and, for
// failures, Reason and Err.
type Event struct {
	Kind     Kind
	RunID    string
	Stage    int
	Percent  int
	Status   string
	Message  string
	Category activity.Category

	Outcome Outcome
	Reason  string
	Err     error
}
