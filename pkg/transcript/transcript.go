package transcript

import (
	"context"
	"time"

	"github.com/harun/otaku/pkg/session"
)

// Status is the terminal state of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run describes one query
type Run struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	Status     Status     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	Error      string     `json:"error,omitempty"`
	Steps      int        `json:"steps"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Entry is one message appended during a run. Dispatch numbers the expert
// hand-offs so scratchpads of separate dispatches stay distinguishable.
type Entry struct {
	RunID    string          `json:"run_id"`
	Step     int             `json:"step"`
	Node     string          `json:"node"`
	Scope    session.Scope   `json:"scope"`
	Expert   string          `json:"expert,omitempty"`
	Dispatch int             `json:"dispatch,omitempty"`
	Message  session.Message `json:"message"`
}

// Recorder persists runs and their entries
type Recorder interface {
	StartRun(ctx context.Context, run Run) error
	Record(ctx context.Context, entry Entry) error
	FinishRun(ctx context.Context, run Run) error
}

// Reader loads persisted runs
type Reader interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	Entries(ctx context.Context, runID string) ([]Entry, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Scratchpads groups the scratchpad entries of a run by dispatch, in order
func Scratchpads(entries []Entry) map[int][]Entry {
	out := make(map[int][]Entry)
	for _, e := range entries {
		if e.Scope != session.ScopeScratchpad {
			continue
		}
		out[e.Dispatch] = append(out[e.Dispatch], e)
	}
	return out
}
