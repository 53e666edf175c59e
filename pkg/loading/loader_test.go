package loading

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/brt-gps-collector/pkg/storage"
	"github.com/censys/brt-gps-collector/pkg/storage/memory"
)

const header = "bus_id,latitude,longitude,speed,captured_at\n"

func writeSnapshot(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brt_gps_20240501_1200.csv")
	if err := os.WriteFile(path, []byte(header+body), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func load(t *testing.T, store *memory.Store, policy storage.ConflictPolicy, path string) Outcome {
	t.Helper()
	ctx := context.Background()
	sess, err := Begin(ctx, store)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer sess.Release()

	out, err := NewLoader(policy, zerolog.Nop()).Load(ctx, sess, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return out
}

func TestLoadTwiceIsIdempotent(t *testing.T) {
	store := memory.New()
	path := writeSnapshot(t,
		"B1,-22.9,-43.2,30,2024-05-01T12:00:00Z\n"+
			"B2,-22.8,-43.1,0,2024-05-01T12:00:00Z\n")

	first := load(t, store, storage.ConflictOverwrite, path)
	if first.Inserted != 2 || first.Updated != 0 || first.Skipped != 0 || first.Errored != 0 {
		t.Fatalf("unexpected first outcome: %+v", first)
	}
	after := store.Records()

	second := load(t, store, storage.ConflictOverwrite, path)
	if second.Inserted != 0 || second.Updated != 0 || second.Skipped != 2 || second.Errored != 0 {
		t.Fatalf("unexpected second outcome: %+v", second)
	}

	again := store.Records()
	if len(again) != 2 {
		t.Fatalf("expected 2 records, got %d", len(again))
	}
	for i := range after {
		if after[i] != again[i] {
			t.Fatalf("record %d changed on reload: %+v -> %+v", i, after[i], again[i])
		}
	}
}

func TestLoadConflictResolution(t *testing.T) {
	t0 := "2024-05-01T12:00:00Z"
	older := writeSnapshot(t, "B1,1,1,10,"+t0+"\n")
	newer := writeSnapshot(t, "B1,2,2,20,"+t0+"\n")

	tests := []struct {
		policy storage.ConflictPolicy
		want   storage.PositionRecord
		second Outcome
	}{
		{
			policy: storage.ConflictOverwrite,
			want:   storage.PositionRecord{BusID: "B1", Latitude: 2, Longitude: 2, Speed: 20},
			second: Outcome{Updated: 1},
		},
		{
			policy: storage.ConflictIgnore,
			want:   storage.PositionRecord{BusID: "B1", Latitude: 1, Longitude: 1, Speed: 10},
			second: Outcome{Skipped: 1},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			store := memory.New()
			load(t, store, tt.policy, older)
			got := load(t, store, tt.policy, newer)
			if got.Inserted != tt.second.Inserted || got.Updated != tt.second.Updated || got.Skipped != tt.second.Skipped {
				t.Fatalf("unexpected outcome: %+v", got)
			}

			records := store.Records()
			if len(records) != 1 {
				t.Fatalf("expected exactly one row, got %d", len(records))
			}
			rec := records[0]
			rec.CapturedAt = time.Time{}
			if rec != tt.want {
				t.Fatalf("got %+v want %+v", rec, tt.want)
			}
		})
	}
}

func TestLoadIsolatesRowFailures(t *testing.T) {
	store := memory.New()
	store.FailBusIDs = map[string]error{"B4": errors.New("value too long")}

	path := writeSnapshot(t,
		"B1,1,1,10,2024-05-01T12:00:00Z\n"+
			"B2,oops,1,10,2024-05-01T12:00:00Z\n"+
			"B3,1,1,10,2024-05-01T12:00:00Z\n"+
			"B4,1,1,10,2024-05-01T12:00:00Z\n"+
			"B5,1,1,10,2024-05-01T12:00:00Z\n")

	out := load(t, store, storage.ConflictOverwrite, path)
	if out.Inserted != 3 {
		t.Fatalf("expected 3 inserted, got %+v", out)
	}
	if out.Errored != 2 || len(out.Errors) != 2 {
		t.Fatalf("expected 2 row errors, got %+v", out)
	}
	if out.Errors[0].Row != 2 || out.Errors[0].BusID != "B2" {
		t.Fatalf("unexpected first row error: %+v", out.Errors[0])
	}
	if out.Errors[1].Row != 4 || out.Errors[1].BusID != "B4" {
		t.Fatalf("unexpected second row error: %+v", out.Errors[1])
	}
	for _, rowErr := range out.Errors {
		if !errors.Is(rowErr, ErrRowPersist) {
			t.Fatalf("row error should wrap ErrRowPersist: %v", rowErr)
		}
	}
	if n := len(store.Records()); n != 3 {
		t.Fatalf("expected 3 stored records, got %d", n)
	}
}

func TestBeginFailures(t *testing.T) {
	t.Run("acquire", func(t *testing.T) {
		store := memory.New()
		store.AcquireErr = errors.New("connection refused")
		_, err := Begin(context.Background(), store)
		if !errors.Is(err, ErrLoadIO) {
			t.Fatalf("expected ErrLoadIO, got %v", err)
		}
	})

	t.Run("schema releases session", func(t *testing.T) {
		store := memory.New()
		store.SchemaErr = errors.New("permission denied")
		_, err := Begin(context.Background(), store)
		if !errors.Is(err, ErrLoadIO) {
			t.Fatalf("expected ErrLoadIO, got %v", err)
		}
		if store.Acquired != 1 || store.Released != 1 {
			t.Fatalf("session leaked: acquired=%d released=%d", store.Acquired, store.Released)
		}
	})
}

func TestLoadMissingArtifactIsFatal(t *testing.T) {
	store := memory.New()
	sess, err := Begin(context.Background(), store)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer sess.Release()

	_, err = NewLoader(storage.ConflictOverwrite, zerolog.Nop()).Load(context.Background(), sess, filepath.Join(t.TempDir(), "gone.csv"))
	if !errors.Is(err, ErrLoadIO) {
		t.Fatalf("expected ErrLoadIO, got %v", err)
	}
	if store.Mutations != 0 {
		t.Fatalf("expected no mutations, got %d", store.Mutations)
	}
}
