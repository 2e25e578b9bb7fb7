package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// TestJournal_SessionLifecycle documents what a session leaves behind.
//
// Contract: the row exists from SessionStarted on (live, no end time) and
// SessionEnded overwrites it with the final counters.
func TestJournal_SessionLifecycle(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	info := session.Info{ID: "a1", Backend: "synthetic", StartedAt: started}
	j.SessionStarted(info)

	rec, err := j.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.EndedAt.IsZero() || rec.Duration() != 0 || !rec.StartedAt.Equal(started) {
		t.Errorf("live record = %+v", rec)
	}

	info.EndedAt = started.Add(90 * time.Second)
	info.FramesReceived = 300
	info.FramesProcessed = 140
	info.Meshes = 130
	info.NoFace = 10
	info.Redetections = 4
	info.Metrics = types.MetricsSnapshot{DroppedFrames: 20, SkippedFrames: 140, AvgLatencyMS: 142.5, FPS: 14.8}
	j.SessionEnded(info)

	rec, err = j.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Duration() != 90*time.Second {
		t.Errorf("duration = %v", rec.Duration())
	}
	if rec.FramesProcessed != 140 || rec.Meshes != 130 || rec.DroppedFrames != 20 || rec.SkippedFrames != 140 || rec.AvgLatencyMS != 142.5 {
		t.Errorf("final record = %+v", rec)
	}
	t.Logf("✅ session a1 journaled: %d meshes in %v", rec.Meshes, rec.Duration())
}

func TestJournal_ListTotalsPrune(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		info := session.Info{
			ID:              id,
			Backend:         "synthetic",
			StartedAt:       base.Add(time.Duration(i) * time.Hour),
			FramesProcessed: uint64(10 * (i + 1)),
			Meshes:          uint64(i + 1),
		}
		if id != "new" {
			info.EndedAt = info.StartedAt.Add(time.Minute)
		}
		if err := j.Upsert(ctx, info); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := j.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "new" || recs[1].ID != "mid" {
		t.Errorf("List(2) = %v", recs)
	}

	totals, err := j.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Sessions != 3 || totals.Live != 1 || totals.FramesProcessed != 60 || totals.Meshes != 6 {
		t.Errorf("totals = %+v", totals)
	}

	n, err := j.Prune(ctx, base.Add(90*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("Prune() = %d, %v; want 2", n, err)
	}
	if _, err := j.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(pruned) error = %v", err)
	}
	if _, err := j.Get(ctx, "new"); err != nil {
		t.Errorf("live session pruned: %v", err)
	}
}

func TestJournal_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	j.SessionStarted(session.Info{ID: "persist", Backend: "plugin:synthetic", StartedAt: time.Now()})
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	rec, err := j2.Get(context.Background(), "persist")
	if err != nil || rec.Backend != "plugin:synthetic" {
		t.Errorf("after reopen = %+v, %v", rec, err)
	}
}
