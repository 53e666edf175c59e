// Package loading reconciles staged snapshots into the position store.
package loading

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/censys/brt-gps-collector/pkg/snapshot"
	"github.com/censys/brt-gps-collector/pkg/storage"
)

var (
	// ErrLoadIO is fatal for the tick: no session, no schema, or an unreadable artifact.
	ErrLoadIO = errors.New("load io error")
	// ErrRowPersist marks a single row that could not be parsed or stored.
	ErrRowPersist = errors.New("row persist error")
)

// RowError attributes a failure to one data row of an artifact.
type RowError struct {
	Row    int
	BusID  string
	Fields []string
	Err    error
}

func (e *RowError) Error() string {
	if e.BusID == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d (bus %s): %v", e.Row, e.BusID, e.Err)
}

func (e *RowError) Unwrap() []error { return []error{ErrRowPersist, e.Err} }

// Outcome summarizes one load.
type Outcome struct {
	Inserted int         `json:"inserted"`
	Updated  int         `json:"updated"`
	Skipped  int         `json:"skipped"`
	Errored  int         `json:"errored"`
	Errors   []*RowError `json:"-"`
}

// Loader upserts every row of a snapshot through a store session.
type Loader struct {
	policy storage.ConflictPolicy
	log    zerolog.Logger
}

func NewLoader(policy storage.ConflictPolicy, log zerolog.Logger) *Loader {
	if policy == "" {
		policy = storage.ConflictOverwrite
	}
	return &Loader{policy: policy, log: log}
}

// Policy reports the conflict policy applied to every row.
func (l *Loader) Policy() storage.ConflictPolicy {
	return l.policy
}

// Begin acquires a session and ensures the schema exists. Both steps are
// safe to repeat every tick. The caller releases the session.
func Begin(ctx context.Context, repo storage.Repository) (storage.Session, error) {
	sess, err := repo.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadIO, err)
	}
	if err := sess.EnsureSchema(ctx); err != nil {
		sess.Release()
		return nil, fmt.Errorf("%w: ensure schema: %w", ErrLoadIO, err)
	}
	return sess, nil
}

// Load reads the artifact at path and upserts each row independently. Row
// failures are collected in the outcome; the returned error is reserved for
// failures that stop the whole load.
func (l *Loader) Load(ctx context.Context, sess storage.Session, path string) (Outcome, error) {
	var out Outcome

	r, err := snapshot.Open(path)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrLoadIO, err)
	}
	defer func() { _ = r.Close() }()

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrLoadIO, err)
		}
		if row.Err != nil {
			l.fail(&out, &RowError{Row: row.Num, BusID: busID(row.Fields), Fields: row.Fields, Err: row.Err})
			continue
		}

		res, err := sess.Upsert(ctx, row.Record, l.policy)
		if err != nil {
			l.fail(&out, &RowError{Row: row.Num, BusID: row.Record.BusID, Fields: row.Fields, Err: err})
			continue
		}
		switch res {
		case storage.Inserted:
			out.Inserted++
		case storage.Updated:
			out.Updated++
		default:
			out.Skipped++
		}
	}
	return out, nil
}

func (l *Loader) fail(out *Outcome, rowErr *RowError) {
	l.log.Warn().Err(rowErr.Err).Int("row", rowErr.Row).Str("bus_id", rowErr.BusID).Msg("row not persisted")
	out.Errored++
	out.Errors = append(out.Errors, rowErr)
}

func busID(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
