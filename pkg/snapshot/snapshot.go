// Package snapshot stages each tick's vehicle positions as a CSV artifact
// and reads staged artifacts back for loading.
package snapshot

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/brt-gps-collector/pkg/processing"
)

// Header is the fixed column order of every staged artifact.
var Header = []string{"bus_id", "latitude", "longitude", "speed", "captured_at"}

// TimeLayout is the captured_at encoding; it round-trips microsecond stamps.
const TimeLayout = time.RFC3339Nano

const filePrefix = "brt_gps_"

// ErrStagingIO marks a failure to write the artifact.
var ErrStagingIO = errors.New("staging io error")

// NamingPolicy decides how same-minute artifacts are named.
type NamingPolicy string

const (
	// NamingSuffix keeps earlier artifacts and appends _2, _3, ... to later ones.
	NamingSuffix NamingPolicy = "suffix"
	// NamingOverwrite replaces an artifact from the same minute.
	NamingOverwrite NamingPolicy = "overwrite"
)

// MalformedPolicy decides what a malformed entry does to the tick.
type MalformedPolicy string

const (
	MalformedSkip  MalformedPolicy = "skip"
	MalformedAbort MalformedPolicy = "abort"
)

// Result describes one staged artifact.
type Result struct {
	Path      string
	Staged    int
	Malformed []Rejected
}

// Rejected is an entry that could not be mapped, kept for attribution.
type Rejected struct {
	Raw json.RawMessage
	Err error
}

// Options configures a Snapshotter.
type Options struct {
	Dir       string
	Fields    processing.FieldMap
	Naming    NamingPolicy
	Malformed MalformedPolicy
}

// Snapshotter maps provider entries and writes them to the staging directory.
type Snapshotter struct {
	dir       string
	fields    processing.FieldMap
	naming    NamingPolicy
	malformed MalformedPolicy
	log       zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Snapshotter {
	if opts.Naming == "" {
		opts.Naming = NamingSuffix
	}
	if opts.Malformed == "" {
		opts.Malformed = MalformedSkip
	}
	return &Snapshotter{
		dir:       opts.Dir,
		fields:    opts.Fields,
		naming:    opts.Naming,
		malformed: opts.Malformed,
		log:       log,
	}
}

// Stage maps entries, all stamped with capturedAt, and writes them as one
// artifact. Under MalformedAbort the first bad entry aborts before any file
// is written; the returned error then wraps processing.ErrMalformedEntry.
func (s *Snapshotter) Stage(entries []json.RawMessage, capturedAt time.Time) (Result, error) {
	capturedAt = capturedAt.UTC().Truncate(time.Microsecond)

	var res Result
	positions := make([]processing.VehiclePosition, 0, len(entries))
	for i, raw := range entries {
		pos, err := s.fields.Normalize(i, raw, capturedAt)
		if err != nil {
			if s.malformed == MalformedAbort {
				return Result{}, err
			}
			s.log.Warn().Err(err).Int("entry", i).Msg("skipping malformed entry")
			res.Malformed = append(res.Malformed, Rejected{Raw: raw, Err: err})
			continue
		}
		positions = append(positions, pos)
	}

	path, err := s.write(positions, capturedAt)
	if err != nil {
		return Result{}, err
	}
	res.Path = path
	res.Staged = len(positions)
	return res, nil
}

// FileName returns the minute-resolution artifact name for t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102_1504") + ".csv"
}

func (s *Snapshotter) write(positions []processing.VehiclePosition, capturedAt time.Time) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create staging dir: %w", ErrStagingIO, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".staging-*.csv")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrStagingIO, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := writeCSV(tmp, positions); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrStagingIO, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrStagingIO, tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("%w: chmod %s: %w", ErrStagingIO, tmpPath, err)
	}

	path, err := s.publish(tmpPath, FileName(capturedAt))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStagingIO, err)
	}
	return path, nil
}

// publish moves the finished temp file to its final name according to the
// naming policy.
func (s *Snapshotter) publish(tmpPath, name string) (string, error) {
	final := filepath.Join(s.dir, name)
	if s.naming == NamingOverwrite {
		if err := os.Rename(tmpPath, final); err != nil {
			return "", fmt.Errorf("rename to %s: %w", final, err)
		}
		return final, nil
	}

	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for n := 1; ; n++ {
		candidate := final
		if n > 1 {
			candidate = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		}
		// Link never replaces an existing file.
		err := os.Link(tmpPath, candidate)
		if err == nil {
			if n > 1 {
				s.log.Info().Str("path", candidate).Msg("artifact for this minute exists, staged under suffixed name")
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("link to %s: %w", candidate, err)
		}
	}
}

func writeCSV(f *os.File, positions []processing.VehiclePosition) error {
	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, p := range positions {
		rec := []string{
			p.VehicleID,
			strconv.FormatFloat(p.Latitude, 'f', -1, 64),
			strconv.FormatFloat(p.Longitude, 'f', -1, 64),
			strconv.FormatFloat(p.Speed, 'f', -1, 64),
			p.CapturedAt.Format(TimeLayout),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
