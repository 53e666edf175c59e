package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/censys/brt-gps-collector/pkg/storage"
)

// ErrBadHeader is returned when an artifact does not start with Header.
var ErrBadHeader = errors.New("unexpected snapshot header")

// Row is one data row of an artifact. Err is set when the row cannot be
// parsed; the reader stays usable.
type Row struct {
	Num    int
	Fields []string
	Record storage.PositionRecord
	Err    error
}

// Reader iterates the data rows of a staged artifact.
type Reader struct {
	f   *os.File
	r   *csv.Reader
	num int
}

// Open opens path and consumes its header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrBadHeader)
		}
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if !slices.Equal(header, Header) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadHeader, strings.Join(header, ","))
	}
	return &Reader{f: f, r: r}, nil
}

// Next returns the next data row, numbered from 1. It returns io.EOF after
// the last row; any other error is an unrecoverable read failure.
func (r *Reader) Next() (Row, error) {
	fields, err := r.r.Read()
	if errors.Is(err, io.EOF) {
		return Row{}, io.EOF
	}
	r.num++
	row := Row{Num: r.num, Fields: fields}
	if err != nil {
		var perr *csv.ParseError
		if !errors.As(err, &perr) {
			return Row{}, fmt.Errorf("read snapshot row %d: %w", r.num, err)
		}
		row.Err = err
		return row, nil
	}
	row.Record, row.Err = ParseRecord(fields)
	return row, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ParseRecord converts one CSV row in Header order into a PositionRecord.
func ParseRecord(fields []string) (storage.PositionRecord, error) {
	if len(fields) != len(Header) {
		return storage.PositionRecord{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(fields))
	}
	rec := storage.PositionRecord{BusID: strings.TrimSpace(fields[0])}
	if rec.BusID == "" {
		return storage.PositionRecord{}, errors.New("empty bus_id")
	}

	var err error
	if rec.Latitude, err = parseFloat("latitude", fields[1]); err != nil {
		return storage.PositionRecord{}, err
	}
	if rec.Longitude, err = parseFloat("longitude", fields[2]); err != nil {
		return storage.PositionRecord{}, err
	}
	if rec.Speed, err = parseFloat("speed", fields[3]); err != nil {
		return storage.PositionRecord{}, err
	}
	if rec.CapturedAt, err = time.Parse(TimeLayout, strings.TrimSpace(fields[4])); err != nil {
		return storage.PositionRecord{}, fmt.Errorf("captured_at: %w", err)
	}
	return rec, nil
}

func parseFloat(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}
