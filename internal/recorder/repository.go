package recorder

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pawpulse-live/internal/telemetry"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-readings.sql
var getLatestReadingsSQL string

//go:embed sql/insert-alert.sql
var insertAlertSQL string

//go:embed sql/get-latest-alerts.sql
var getLatestAlertsSQL string

// Record is one persisted reading with the classification it got on arrival.
type Record struct {
	ID          int64              `json:"id"`
	PetID       telemetry.EntityID `json:"pet_id"`
	ObservedAt  time.Time          `json:"observed_at"`
	ReceivedAt  time.Time          `json:"received_at"`
	Metrics     map[string]float64 `json:"metrics"`
	StatusLabel string             `json:"status_label,omitempty"`
	Confidence  *int               `json:"confidence,omitempty"`
	Label       string             `json:"label"`
	IsAnomalous bool               `json:"is_anomalous"`
	Source      string             `json:"source"`
}

// AlertRecord is one persisted critical alert.
type AlertRecord struct {
	ID         int64              `json:"id"`
	PetID      telemetry.EntityID `json:"pet_id"`
	Severity   string             `json:"severity"`
	Message    string             `json:"message"`
	RaisedAt   *time.Time         `json:"raised_at,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

type Repository interface {
	InsertReading(ctx context.Context, rec Record) error
	LatestReadings(ctx context.Context, petID telemetry.EntityID, limit int) ([]Record, error)
	InsertAlert(ctx context.Context, rec AlertRecord) error
	LatestAlerts(ctx context.Context, petID telemetry.EntityID, limit int) ([]AlertRecord, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) InsertReading(ctx context.Context, rec Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = r.db.ExecContext(ctx, insertReadingSQL,
		string(rec.PetID),
		formatTime(rec.ObservedAt),
		formatTime(rec.ReceivedAt),
		string(metrics),
		nullString(rec.StatusLabel),
		rec.Confidence,
		rec.Label,
		rec.IsAnomalous,
		rec.Source,
	)
	if err != nil {
		return fmt.Errorf("insert reading for pet %s: %w", rec.PetID, err)
	}
	return nil
}

// LatestReadings returns up to limit records for petID, newest first.
func (r *repositoryImpl) LatestReadings(ctx context.Context, petID telemetry.EntityID, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, getLatestReadingsSQL, string(petID), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest readings rows", "error", err)
		}
	}()

	out := []Record{}
	for rows.Next() {
		var (
			rec                Record
			observed, received string
			metrics            string
			statusLabel        sql.NullString
			confidence         sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.PetID, &observed, &received, &metrics, &statusLabel, &confidence, &rec.Label, &rec.IsAnomalous, &rec.Source); err != nil {
			return nil, err
		}
		if rec.ObservedAt, err = parseTime(observed); err != nil {
			return nil, err
		}
		if rec.ReceivedAt, err = parseTime(received); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of reading %d: %w", rec.ID, err)
		}
		rec.StatusLabel = statusLabel.String
		if confidence.Valid {
			c := int(confidence.Int64)
			rec.Confidence = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) InsertAlert(ctx context.Context, rec AlertRecord) error {
	var raised any
	if rec.RaisedAt != nil {
		raised = formatTime(*rec.RaisedAt)
	}
	_, err := r.db.ExecContext(ctx, insertAlertSQL,
		string(rec.PetID),
		rec.Severity,
		rec.Message,
		raised,
		formatTime(rec.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert for pet %s: %w", rec.PetID, err)
	}
	return nil
}

// LatestAlerts returns up to limit alerts for petID, newest first.
func (r *repositoryImpl) LatestAlerts(ctx context.Context, petID telemetry.EntityID, limit int) ([]AlertRecord, error) {
	rows, err := r.db.QueryContext(ctx, getLatestAlertsSQL, string(petID), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest alerts rows", "error", err)
		}
	}()

	out := []AlertRecord{}
	for rows.Next() {
		var (
			rec      AlertRecord
			raised   sql.NullString
			received string
		)
		if err := rows.Scan(&rec.ID, &rec.PetID, &rec.Severity, &rec.Message, &raised, &received); err != nil {
			return nil, err
		}
		if raised.Valid {
			t, err := parseTime(raised.String)
			if err != nil {
				return nil, err
			}
			rec.RaisedAt = &t
		}
		if rec.ReceivedAt, err = parseTime(received); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
