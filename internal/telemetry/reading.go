package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"
)

var (
	// ErrMalformedReading is wrapped by every decode failure.
	ErrMalformedReading = errors.New("malformed reading")
	// ErrInvalidEntity is returned for an empty entity id or one carrying
	// topic wildcard or separator characters.
	ErrInvalidEntity = errors.New("invalid entity id")
	// ErrInvalidField marks an optional reading field that was dropped.
	ErrInvalidField = errors.New("invalid optional field")
)

// EntityID identifies a monitored pet. Numeric ids from the wire are kept in
// their decimal string form so 7 and "7" address the same pet.
type EntityID string

// Reading is one telemetry sample for one pet.
type Reading struct {
	EntityID    EntityID           `json:"entity_id"`
	ObservedAt  time.Time          `json:"observed_at"`
	Metrics     map[string]float64 `json:"metrics"`
	StatusLabel string             `json:"status_label,omitempty"`
	Confidence  *int               `json:"confidence,omitempty"`
}

// Metric returns the named metric value.
func (r Reading) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// Clone returns a deep copy; the metrics map and confidence are not shared.
func (r Reading) Clone() Reading {
	out := r
	out.Metrics = maps.Clone(r.Metrics)
	if r.Confidence != nil {
		c := *r.Confidence
		out.Confidence = &c
	}
	return out
}

// Alert is a pushed critical alert for a pet. Alerts are forwarded, never buffered.
type Alert struct {
	EntityID EntityID  `json:"entity_id"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// Keys that carry envelope fields rather than metrics in the flat payload shape.
var envelopeKeys = map[string]struct{}{
	"entity_id":     {},
	"pet_id":        {},
	"observed_at":   {},
	"timestamp":     {},
	"status_label":  {},
	"ml_status":     {},
	"confidence":    {},
	"ml_confidence": {},
	"metrics":       {},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeReading parses a live reading payload. Both the canonical shape
// ({entity_id, observed_at, metrics{}, status_label, confidence}) and the
// stream's flat shape ({pet_id, timestamp, heart_rate, ..., ml_status,
// ml_confidence}) are accepted. Non-numeric extra fields are ignored.
//
// A status label or confidence that fails validation does not reject the
// reading: the field is left unset and reported in the returned slice, each
// entry wrapping ErrInvalidField.
func DecodeReading(payload []byte) (Reading, []error, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Reading{}, nil, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}

	id, err := decodeEntityID(raw, "entity_id", "pet_id")
	if err != nil {
		return Reading{}, nil, err
	}

	observedAt, err := decodeTime(raw, "observed_at", "timestamp")
	if err != nil {
		return Reading{}, nil, err
	}
	if observedAt.IsZero() {
		return Reading{}, nil, fmt.Errorf("%w: observed_at is required", ErrMalformedReading)
	}

	metrics := make(map[string]float64)
	if nested, ok := raw["metrics"]; ok && !isNull(nested) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(nested, &m); err != nil {
			return Reading{}, nil, fmt.Errorf("%w: metrics: %v", ErrMalformedReading, err)
		}
		for k, v := range m {
			if f, ok := decodeNumber(v); ok {
				metrics[k] = f
			}
		}
	}
	for k, v := range raw {
		if _, skip := envelopeKeys[k]; skip {
			continue
		}
		if f, ok := decodeNumber(v); ok {
			metrics[k] = f
		}
	}
	if len(metrics) == 0 {
		return Reading{}, nil, fmt.Errorf("%w: at least one numeric metric is required", ErrMalformedReading)
	}

	var dropped []error
	label, err := decodeString(raw, "status_label", "ml_status")
	if err != nil {
		dropped = append(dropped, fmt.Errorf("%w: %v", ErrInvalidField, err))
	}

	confidence, err := decodeConfidence(raw, "confidence", "ml_confidence")
	if err != nil {
		dropped = append(dropped, fmt.Errorf("%w: %v", ErrInvalidField, err))
	}

	return Reading{
		EntityID:    id,
		ObservedAt:  observedAt,
		Metrics:     metrics,
		StatusLabel: label,
		Confidence:  confidence,
	}, dropped, nil
}

// DecodeAlert parses a critical_alert payload.
func DecodeAlert(payload []byte) (Alert, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Alert{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	id, err := decodeEntityID(raw, "entity_id", "pet_id")
	if err != nil {
		return Alert{}, err
	}
	severity, err := decodeString(raw, "severity")
	if err != nil {
		return Alert{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	message, err := decodeString(raw, "message")
	if err != nil {
		return Alert{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	raisedAt, err := decodeTime(raw, "raised_at", "timestamp")
	if err != nil {
		return Alert{}, err
	}
	return Alert{EntityID: id, Severity: severity, Message: message, RaisedAt: raisedAt}, nil
}

// ParseEntityID normalizes an id supplied by a caller (URL path, config list).
func ParseEntityID(s string) (EntityID, error) {
	id := EntityID(strings.TrimSpace(s))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate rejects ids that cannot address a single pet: blank ids and ids
// containing MQTT wildcards or the topic level separator.
func (id EntityID) Validate() error {
	if id == "" {
		return ErrInvalidEntity
	}
	if strings.ContainsAny(string(id), "+#/") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidEntity, string(id))
	}
	return nil
}

func decodeEntityID(raw map[string]json.RawMessage, keys ...string) (EntityID, error) {
	v, ok := first(raw, keys...)
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrMalformedReading, keys[0])
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrMalformedReading, keys[0])
		}
		return EntityID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", fmt.Errorf("%w: %s must be a string or number", ErrMalformedReading, keys[0])
	}
	return EntityID(n.String()), nil
}

func decodeTime(raw map[string]json.RawMessage, keys ...string) (time.Time, error) {
	v, ok := first(raw, keys...)
	if !ok {
		return time.Time{}, nil
	}
	if f, ok := decodeNumber(v); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a string or number", ErrMalformedReading, keys[0])
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s %q is not a timestamp", ErrMalformedReading, keys[0], s)
}

func decodeString(raw map[string]json.RawMessage, keys ...string) (string, error) {
	v, ok := first(raw, keys...)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%s must be a string", keys[0])
	}
	return strings.TrimSpace(s), nil
}

func decodeConfidence(raw map[string]json.RawMessage, keys ...string) (*int, error) {
	v, ok := first(raw, keys...)
	if !ok {
		return nil, nil
	}
	f, ok := decodeNumber(v)
	if !ok {
		return nil, fmt.Errorf("%s must be a number", keys[0])
	}
	c := int(math.Round(f))
	if c < 0 || c > 100 {
		return nil, fmt.Errorf("%s out of range: %v (must be 0-100)", keys[0], f)
	}
	return &c, nil
}

// first returns the first non-null value among keys.
func first(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func decodeNumber(v json.RawMessage) (float64, bool) {
	if isNull(v) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	return f, true
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
