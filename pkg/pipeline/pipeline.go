// Package pipeline runs one collection tick: fetch, stage, then load.
package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/censys/brt-gps-collector/pkg/loading"
	"github.com/censys/brt-gps-collector/pkg/metrics"
	"github.com/censys/brt-gps-collector/pkg/processing"
	"github.com/censys/brt-gps-collector/pkg/snapshot"
	"github.com/censys/brt-gps-collector/pkg/storage"
)

// Fetcher retrieves the raw vehicle entries of one poll.
type Fetcher interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
}

// Stager turns raw entries into a staged artifact.
type Stager interface {
	Stage(entries []json.RawMessage, capturedAt time.Time) (snapshot.Result, error)
}

// Deps are the collaborators of a Pipeline. DLQ and Locker are optional.
type Deps struct {
	Fetcher Fetcher
	Stager  Stager
	Store   storage.Repository
	Loader  *loading.Loader
	DLQ     processing.DLQPublisher
	Locker  Locker
}

// Pipeline executes ticks. A single Pipeline is safe for concurrent
// RunTick calls; overlapping calls are skipped by the Locker.
type Pipeline struct {
	fetcher Fetcher
	stager  Stager
	store   storage.Repository
	loader  *loading.Loader
	dlq     processing.DLQPublisher
	lock    Locker
	log     zerolog.Logger
	now     func() time.Time

	last atomic.Pointer[Report]
}

func New(d Deps, log zerolog.Logger) *Pipeline {
	if d.DLQ == nil {
		d.DLQ = &processing.NoopDLQPublisher{}
	}
	if d.Locker == nil {
		d.Locker = &LocalLocker{}
	}
	return &Pipeline{
		fetcher: d.Fetcher,
		stager:  d.Stager,
		store:   d.Store,
		loader:  d.Loader,
		dlq:     d.DLQ,
		lock:    d.Locker,
		log:     log,
		now:     time.Now,
	}
}

// Last returns the report of the most recent finished tick or replay.
func (p *Pipeline) Last() (Report, bool) {
	r := p.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// RunTick runs one fetch -> stage -> load cycle. It never returns an error:
// every failure is captured in the report, and nothing carries over to the
// next tick.
func (p *Pipeline) RunTick(ctx context.Context) Report {
	rep := Report{ID: uuid.NewString(), StartedAt: p.now()}
	log := p.log.With().Str("tick_id", rep.ID).Logger()

	release, ok := p.acquire(ctx, &rep, log)
	if !ok {
		return p.finish(rep, log)
	}
	defer release()

	rep.State = StateFetching
	entries, err := p.fetcher.Fetch(ctx)
	if err != nil {
		abort(&rep, err)
		return p.finish(rep, log)
	}
	rep.Fetched = len(entries)

	// One capture instant for every row of this tick.
	rep.CapturedAt = p.now().UTC().Truncate(time.Microsecond)

	rep.State = StateStaging
	staged, err := p.stager.Stage(entries, rep.CapturedAt)
	if err != nil {
		abort(&rep, err)
		return p.finish(rep, log)
	}
	rep.SnapshotPath = staged.Path
	rep.Staged = staged.Staged
	rep.Malformed = len(staged.Malformed)
	for _, m := range staged.Malformed {
		p.deadLetter(ctx, log, m.Raw, processing.ReasonMalformedEntry, rep, m.Err)
	}

	p.load(ctx, &rep, log)
	return p.finish(rep, log)
}

// Replay loads an already staged artifact through the same schema and
// upsert path as a tick.
func (p *Pipeline) Replay(ctx context.Context, path string) Report {
	rep := Report{ID: uuid.NewString(), StartedAt: p.now(), SnapshotPath: path}
	log := p.log.With().Str("tick_id", rep.ID).Str("replay", path).Logger()

	release, ok := p.acquire(ctx, &rep, log)
	if !ok {
		return p.finish(rep, log)
	}
	defer release()

	p.load(ctx, &rep, log)
	return p.finish(rep, log)
}

func (p *Pipeline) acquire(ctx context.Context, rep *Report, log zerolog.Logger) (func(), bool) {
	release, ok, err := p.lock.TryLock(ctx)
	if err != nil {
		// A failing guard skips the tick.
		rep.State = StateSkipped
		rep.Err = err
		return nil, false
	}
	if !ok {
		rep.State = StateSkipped
		log.Debug().Msg("previous tick still running")
		return nil, false
	}
	return release, true
}

func (p *Pipeline) load(ctx context.Context, rep *Report, log zerolog.Logger) {
	rep.State = StateSchemaEnsure
	sess, err := loading.Begin(ctx, p.store)
	if err != nil {
		abort(rep, err)
		return
	}
	defer sess.Release()

	rep.State = StateLoading
	out, err := p.loader.Load(ctx, sess, rep.SnapshotPath)
	rep.Load = out
	for _, rowErr := range out.Errors {
		p.deadLetter(ctx, log, csvLine(rowErr.Fields), processing.ReasonRowPersist, *rep, rowErr)
	}
	if err != nil {
		abort(rep, err)
		return
	}
	rep.State = StateDone
}

func abort(rep *Report, err error) {
	rep.AbortedIn = rep.State
	rep.State = StateAborted
	rep.Err = err
}

func (p *Pipeline) deadLetter(ctx context.Context, log zerolog.Logger, data []byte, reason string, rep Report, cause error) {
	attrs := map[string]string{
		"tick_id":     rep.ID,
		"captured_at": rep.CapturedAt.Format(time.RFC3339Nano),
		"snapshot":    truncateAttr(rep.SnapshotPath),
		"error":       truncateAttr(cause.Error()),
	}
	if err := p.dlq.Publish(ctx, data, reason, attrs); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("error publishing to DLQ")
	}
}

// maxAttrValue is the Pub/Sub limit on attribute value size in bytes.
const maxAttrValue = 1024

func truncateAttr(s string) string {
	if len(s) <= maxAttrValue {
		return s
	}
	cut := maxAttrValue - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// csvLine re-encodes a snapshot row exactly as the artifact quotes it.
func csvLine(fields []string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields)
	w.Flush()
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func (p *Pipeline) finish(rep Report, log zerolog.Logger) Report {
	rep.FinishedAt = p.now()
	status := rep.Status()

	metrics.TicksTotal.WithLabelValues(status).Inc()
	if status != StatusSkipped {
		metrics.TickDuration.Observe(rep.Duration().Seconds())
		metrics.EntriesFetchedTotal.Add(float64(rep.Fetched))
		metrics.EntriesMalformedTotal.Add(float64(rep.Malformed))
		metrics.RowsTotal.WithLabelValues("inserted").Add(float64(rep.Load.Inserted))
		metrics.RowsTotal.WithLabelValues("updated").Add(float64(rep.Load.Updated))
		metrics.RowsTotal.WithLabelValues("skipped").Add(float64(rep.Load.Skipped))
		metrics.RowsTotal.WithLabelValues("errored").Add(float64(rep.Load.Errored))
	}
	switch rep.State {
	case StateAborted:
		metrics.TickAbortsTotal.WithLabelValues(string(rep.AbortedIn)).Inc()
	case StateDone:
		metrics.LastSuccessTimestamp.Set(float64(rep.FinishedAt.Unix()))
	}

	var ev *zerolog.Event
	switch status {
	case StatusAborted:
		ev = log.Error().Err(rep.Err).Str("aborted_in", string(rep.AbortedIn))
	case StatusPartial:
		ev = log.Warn()
	case StatusSkipped:
		ev = log.Info().AnErr("lock_error", rep.Err)
	default:
		ev = log.Info()
	}
	ev.Str("status", status).
		Int("fetched", rep.Fetched).
		Int("staged", rep.Staged).
		Int("malformed", rep.Malformed).
		Int("inserted", rep.Load.Inserted).
		Int("updated", rep.Load.Updated).
		Int("skipped", rep.Load.Skipped).
		Int("errored", rep.Load.Errored).
		Str("snapshot", rep.SnapshotPath).
		Dur("duration", rep.Duration()).
		Msg("tick finished")

	if status != StatusSkipped {
		p.last.Store(&rep)
	}
	return rep
}
