package pipeline

import (
	"encoding/json"
	"time"

	"github.com/censys/brt-gps-collector/pkg/loading"
)

// State is a step of the per-tick state machine.
type State string

const (
	StateFetching     State = "fetching"
	StateStaging      State = "staging"
	StateSchemaEnsure State = "schema_ensure"
	StateLoading      State = "loading"
	StateDone         State = "done"
	StateAborted      State = "aborted"
	// StateSkipped is terminal for a tick that found another tick running.
	StateSkipped State = "skipped"
)

// Tick statuses as seen by operators.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusAborted = "aborted"
	StatusSkipped = "skipped"
)

// Report is the observable outcome of one tick.
type Report struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	CapturedAt   time.Time
	State        State
	AbortedIn    State
	Fetched      int
	Staged       int
	Malformed    int
	SnapshotPath string
	Load         loading.Outcome
	Err          error
}

// Status collapses the report into success, partial, aborted or skipped.
func (r Report) Status() string {
	switch {
	case r.State == StateSkipped:
		return StatusSkipped
	case r.State == StateAborted:
		return StatusAborted
	case r.Malformed > 0 || r.Load.Errored > 0:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// Duration is the wall time the tick took.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type reportJSON struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	State        State           `json:"state"`
	AbortedIn    State           `json:"aborted_in,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	CapturedAt   *time.Time      `json:"captured_at,omitempty"`
	Fetched      int             `json:"fetched"`
	Staged       int             `json:"staged"`
	Malformed    int             `json:"malformed"`
	SnapshotPath string          `json:"snapshot_path,omitempty"`
	Load         loading.Outcome `json:"load"`
}

func (r Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		ID:           r.ID,
		Status:       r.Status(),
		State:        r.State,
		AbortedIn:    r.AbortedIn,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Fetched:      r.Fetched,
		Staged:       r.Staged,
		Malformed:    r.Malformed,
		SnapshotPath: r.SnapshotPath,
		Load:         r.Load,
	}
	if r.Err != nil {
		out.Reason = r.Err.Error()
	}
	if !r.CapturedAt.IsZero() {
		c := r.CapturedAt
		out.CapturedAt = &c
	}
	return json.Marshal(out)
}
