package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/settings"
)

// Run is the state shared by the stages of one pipeline run. Stage bodies
// fill it in as they go; messages are rendered against it.
type Run struct {
	ID       string
	Settings settings.Settings
	Release  release.Release
	Artifact string
	Backup   string

	onFinish []func()
}

// OnFinish registers fn to run once the run has ended, whatever the outcome,
// before its terminal event is delivered. Hooks run in reverse order.
func (r *Run) OnFinish(fn func()) {
	r.onFinish = append(r.onFinish, fn)
}

func (r *Run) finish() {
	for i := len(r.onFinish) - 1; i >= 0; i-- {
		r.onFinish[i]()
	}
	r.onFinish = nil
}

// StageFunc is the work a stage performs before its progress is reported.
// It must return promptly once ctx is cancelled.
type StageFunc func(ctx context.Context, run *Run) error

// Stage is one step of the pipeline. Message is a text/template rendered
// against the *Run, e.g. "New version found: {{.Release.Version}}".
type Stage struct {
	Progress int
	Status   string
	Message  string
	Do       StageFunc
}

type compiledStage struct {
	Stage
	message *template.Template
}

func (c compiledStage) render(run *Run) (string, error) {
	var b strings.Builder
	if err := c.message.Execute(&b, run); err != nil {
		return "", fmt.Errorf("render stage message: %w", err)
	}
	return b.String(), nil
}

// compile validates the stage table: progress strictly increasing within
// (0,100] and ending at exactly 100, every stage labelled, every message a
// valid template.
func compile(stages []Stage) ([]compiledStage, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}

	out := make([]compiledStage, 0, len(stages))
	prev := 0
	for i, st := range stages {
		if st.Progress <= prev || st.Progress > 100 {
			return nil, fmt.Errorf("stage %d: progress %d must be above %d and at most 100", i+1, st.Progress, prev)
		}
		if st.Status == "" {
			return nil, fmt.Errorf("stage %d: empty status", i+1)
		}
		tmpl, err := template.New(fmt.Sprintf("stage-%d", i+1)).Option("missingkey=error").Parse(st.Message)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		out = append(out, compiledStage{Stage: st, message: tmpl})
		prev = st.Progress
	}
	if prev != 100 {
		return nil, fmt.Errorf("last stage ends at %d%%, want 100%%", prev)
	}
	return out, nil
}
