package storage

import (
	"context"
	"fmt"
	"time"
)

// PositionRecord holds one vehicle position as persisted in raw_data.
// (BusID, CapturedAt) is the record identity.
type PositionRecord struct {
	BusID      string
	Latitude   float64
	Longitude  float64
	Speed      float64
	CapturedAt time.Time
}

// ConflictPolicy decides what an upsert does when the identity already exists.
type ConflictPolicy string

const (
	// ConflictOverwrite replaces latitude, longitude and speed of the stored row.
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictIgnore keeps the stored row untouched.
	ConflictIgnore ConflictPolicy = "ignore"
)

// ParseConflictPolicy validates a policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case ConflictOverwrite, ConflictIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// UpsertResult reports what a single upsert did to the store.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	Updated
	// Unchanged means the identity existed and nothing was written, either
	// because the policy is ignore or because the values were already current.
	Unchanged
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "skipped"
	default:
		return "unknown"
	}
}

// Session is a store connection scoped to one tick.
type Session interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, record PositionRecord, policy ConflictPolicy) (UpsertResult, error)
	Release()
}

// Repository hands out sessions from a shared pool.
type Repository interface {
	Acquire(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
}
