package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pawpulse-live/internal/telemetry"
)

type staticClasses map[telemetry.EntityID]telemetry.Classification

func (s staticClasses) Classification(id telemetry.EntityID) (telemetry.Classification, bool) {
	c, ok := s[id]
	return c, ok
}

type failingRepo struct {
	Repository
	mu    sync.Mutex
	calls int
}

func (f *failingRepo) InsertReading(context.Context, Record) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecorder_PersistsReadingsAndAlerts(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	classes := staticClasses{"1": {Label: "elevated", IsAnomalous: true, Source: telemetry.SourceLocal}}
	rec := New(repo, classes, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.OnLatestChanged("1", telemetry.Reading{
		EntityID:   "1",
		ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Metrics:    map[string]float64{"heart_rate": 95},
	})
	rec.OnAlert(telemetry.Alert{EntityID: "1", Severity: "danger", Message: "Immediate Vet Attention Required"})

	waitFor(t, "recorded rows", func() bool {
		readings, _ := repo.LatestReadings(context.Background(), "1", 10)
		alerts, _ := repo.LatestAlerts(context.Background(), "1", 10)
		return len(readings) == 1 && len(alerts) == 1
	})
	cancel()
	<-done

	readings, _ := repo.LatestReadings(context.Background(), "1", 10)
	if r := readings[0]; r.Label != "elevated" || !r.IsAnomalous || r.Source != telemetry.SourceLocal {
		t.Errorf("record = %+v", r)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", rec.Dropped())
	}
}

func TestRecorder_DrainsOnShutdown(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	rec := New(repo, nil, discardLogger())

	for i := 0; i < 3; i++ {
		rec.OnLatestChanged("2", telemetry.Reading{EntityID: "2", Metrics: map[string]float64{"heart_rate": float64(60 + i)}})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	got, err := repo.LatestReadings(context.Background(), "2", 10)
	if err != nil {
		t.Fatalf("LatestReadings: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("persisted %d readings, want 3", len(got))
	}
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	repo := &failingRepo{}
	rec := New(repo, nil, discardLogger())

	for i := 0; i < defaultQueueSize+5; i++ {
		rec.OnLatestChanged("3", telemetry.Reading{EntityID: "3", Metrics: map[string]float64{"x": 1}})
	}
	if rec.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", rec.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)
	if repo.calls != defaultQueueSize {
		t.Errorf("write attempts = %d, want %d", repo.calls, defaultQueueSize)
	}
}
