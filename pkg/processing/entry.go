package processing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider payload versions observed on the BRT endpoint.
const (
	ProviderV1 = "v1" // identifier under "codigo"
	ProviderV2 = "v2" // identifier under "id"
)

// ErrMalformedEntry marks a provider entry that cannot be mapped.
var ErrMalformedEntry = errors.New("malformed entry")

// VehiclePosition is one vehicle's normalized reading within a tick.
type VehiclePosition struct {
	VehicleID  string
	Latitude   float64
	Longitude  float64
	Speed      float64
	CapturedAt time.Time
}

// FieldMap names the provider keys holding each position field.
type FieldMap struct {
	VehicleID string `yaml:"vehicle_id" validate:"required"`
	Latitude  string `yaml:"latitude" validate:"required"`
	Longitude string `yaml:"longitude" validate:"required"`
	Speed     string `yaml:"speed" validate:"required"`
}

// FieldMapFor returns the built-in mapping for a provider version.
func FieldMapFor(version string) (FieldMap, error) {
	fm := FieldMap{
		Latitude:  "latitude",
		Longitude: "longitude",
		Speed:     "velocidade",
	}
	switch version {
	case ProviderV1:
		fm.VehicleID = "codigo"
	case ProviderV2:
		fm.VehicleID = "id"
	default:
		return FieldMap{}, fmt.Errorf("unsupported provider version %q", version)
	}
	return fm, nil
}

// LoadFieldMap reads a YAML field map, filling unset keys from base.
func LoadFieldMap(path string, base FieldMap) (FieldMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FieldMap{}, fmt.Errorf("read field map: %w", err)
	}
	var fm FieldMap
	if err := yaml.Unmarshal(data, &fm); err != nil {
		return FieldMap{}, fmt.Errorf("decode field map: %w", err)
	}
	if fm.VehicleID == "" {
		fm.VehicleID = base.VehicleID
	}
	if fm.Latitude == "" {
		fm.Latitude = base.Latitude
	}
	if fm.Longitude == "" {
		fm.Longitude = base.Longitude
	}
	if fm.Speed == "" {
		fm.Speed = base.Speed
	}
	if err := validator.New().Struct(fm); err != nil {
		return FieldMap{}, fmt.Errorf("validate field map: %w", err)
	}
	return fm, nil
}

// EntryError describes why one provider entry was rejected.
type EntryError struct {
	Index int
	Field string
	Err   error
}

func (e *EntryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("entry %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("entry %d: field %q: %v", e.Index, e.Field, e.Err)
}

func (e *EntryError) Unwrap() []error { return []error{ErrMalformedEntry, e.Err} }

// Normalize maps a raw provider entry to a VehiclePosition stamped with
// capturedAt. index is only used for error reporting.
func (fm FieldMap) Normalize(index int, raw json.RawMessage, capturedAt time.Time) (VehiclePosition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return VehiclePosition{}, &EntryError{Index: index, Err: fmt.Errorf("decode: %w", err)}
	}
	if fields == nil {
		return VehiclePosition{}, &EntryError{Index: index, Err: errors.New("entry is null")}
	}

	id, err := stringField(fields, fm.VehicleID)
	if err != nil {
		return VehiclePosition{}, &EntryError{Index: index, Field: fm.VehicleID, Err: err}
	}
	lat, err := floatField(fields, fm.Latitude)
	if err != nil {
		return VehiclePosition{}, &EntryError{Index: index, Field: fm.Latitude, Err: err}
	}
	lon, err := floatField(fields, fm.Longitude)
	if err != nil {
		return VehiclePosition{}, &EntryError{Index: index, Field: fm.Longitude, Err: err}
	}
	speed, err := floatField(fields, fm.Speed)
	if err != nil {
		return VehiclePosition{}, &EntryError{Index: index, Field: fm.Speed, Err: err}
	}
	if speed < 0 {
		return VehiclePosition{}, &EntryError{Index: index, Field: fm.Speed, Err: fmt.Errorf("negative speed %v", speed)}
	}

	return VehiclePosition{
		VehicleID:  id,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		CapturedAt: capturedAt,
	}, nil
}

// stringField accepts JSON strings and integral numbers; some provider
// versions send vehicle codes as numbers.
func stringField(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", errors.New("missing")
	}
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case json.Number:
		if _, err := strconv.ParseInt(t.String(), 10, 64); err != nil {
			return "", fmt.Errorf("non-integral number %s", t)
		}
		s = t.String()
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
	if s == "" {
		return "", errors.New("empty")
	}
	return s, nil
}

func floatField(fields map[string]any, key string) (float64, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return 0, errors.New("missing")
	}
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if err != nil {
		return 0, fmt.Errorf("not a number: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}
