package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pawpulse-live/internal/telemetry"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Classifications is where the recorder looks up the classification a reading
// got on arrival. *telemetry.Client satisfies it.
type Classifications interface {
	Classification(id telemetry.EntityID) (telemetry.Classification, bool)
}

// Recorder is a view that persists every accepted reading and alert. Writes
// happen on Run's goroutine so the stream's event loop never waits on disk;
// when the queue is full the write is dropped and logged.
type Recorder struct {
	repo    Repository
	classes Classifications
	logger  *slog.Logger
	now     func() time.Time

	queue chan func(ctx context.Context) error

	mu      sync.Mutex
	dropped int
}

func New(repo Repository, classes Classifications, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:    repo,
		classes: classes,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan func(ctx context.Context) error, defaultQueueSize),
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case write := <-r.queue:
			r.write(write)
		case <-ctx.Done():
			for {
				select {
				case write := <-r.queue:
					r.write(write)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		r.logger.Error("recorder write failed", "error", err)
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(petID telemetry.EntityID, write func(context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("recorder queue full, dropping write", "pet_id", petID)
	}
}

func (r *Recorder) OnLatestChanged(id telemetry.EntityID, reading telemetry.Reading) {
	rec := Record{
		PetID:       id,
		ObservedAt:  reading.ObservedAt,
		ReceivedAt:  r.now(),
		Metrics:     reading.Metrics,
		StatusLabel: reading.StatusLabel,
		Confidence:  reading.Confidence,
	}
	if r.classes != nil {
		if c, ok := r.classes.Classification(id); ok {
			rec.Label = c.Label
			rec.IsAnomalous = c.IsAnomalous
			rec.Source = c.Source
		}
	}
	r.enqueue(id, func(ctx context.Context) error {
		return r.repo.InsertReading(ctx, rec)
	})
}

func (r *Recorder) OnHistoryChanged(telemetry.EntityID, []telemetry.Reading) {}

func (r *Recorder) OnClassificationChanged(telemetry.EntityID, telemetry.Classification) {}

func (r *Recorder) OnAlert(a telemetry.Alert) {
	rec := AlertRecord{
		PetID:      a.EntityID,
		Severity:   a.Severity,
		Message:    a.Message,
		ReceivedAt: r.now(),
	}
	if !a.RaisedAt.IsZero() {
		raised := a.RaisedAt
		rec.RaisedAt = &raised
	}
	r.enqueue(a.EntityID, func(ctx context.Context) error {
		return r.repo.InsertAlert(ctx, rec)
	})
}
