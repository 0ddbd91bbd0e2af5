package telemetry

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Trend is the local direction label for a metric relative to its baseline.
type Trend string

const (
	TrendNormal    Trend = "normal"
	TrendElevated  Trend = "elevated"
	TrendDepressed Trend = "depressed"
)

// DefaultHealthyLabel is the server label that is not treated as anomalous.
const DefaultHealthyLabel = "healthy"

// Where a classification came from.
const (
	SourceServer = "server"
	SourceLocal  = "local"
)

// normalBand is the fraction of the threshold within which a value is normal.
const normalBand = 0.2

// Rule is a baseline and tolerance for one metric. By default an elevated
// value is the good direction; LowerIsBetter flips that (e.g. stress).
type Rule struct {
	Metric        string
	Baseline      float64
	Threshold     float64
	LowerIsBetter bool
}

// DefaultRules are the mobile dashboard's trend baselines.
func DefaultRules() []Rule {
	return []Rule{
		{Metric: "heart_rate", Baseline: 85, Threshold: 10},
		{Metric: "temperature", Baseline: 38.3, Threshold: 0.5},
		{Metric: "activity_level", Baseline: 50, Threshold: 20},
		{Metric: "stress_score", Baseline: 25, Threshold: 15, LowerIsBetter: true},
	}
}

// ParseRules parses "metric:baseline:threshold[:lower]" entries separated by commas.
func ParseRules(s string) ([]Rule, error) {
	var rules []Rule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 && len(fields) != 4 {
			return nil, fmt.Errorf("rule %q: want metric:baseline:threshold[:lower]", part)
		}
		metric := strings.TrimSpace(fields[0])
		if metric == "" {
			return nil, fmt.Errorf("rule %q: empty metric", part)
		}
		baseline, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("rule %q: baseline: %w", part, err)
		}
		threshold, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("rule %q: threshold: %w", part, err)
		}
		if threshold < 0 {
			return nil, fmt.Errorf("rule %q: threshold must not be negative", part)
		}
		r := Rule{Metric: metric, Baseline: baseline, Threshold: threshold}
		if len(fields) == 4 {
			switch strings.ToLower(strings.TrimSpace(fields[3])) {
			case "lower":
				r.LowerIsBetter = true
			case "higher", "":
			default:
				return nil, fmt.Errorf("rule %q: direction must be lower or higher", part)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// MetricTrend is one metric's position relative to its rule.
type MetricTrend struct {
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Baseline     float64 `json:"baseline"`
	PercentDelta float64 `json:"percent_delta"`
	Trend        Trend   `json:"trend"`
	Good         bool    `json:"good"`
}

// Classification is what a view shows for a reading.
type Classification struct {
	Label       string        `json:"label"`
	IsAnomalous bool          `json:"is_anomalous"`
	Confidence  *int          `json:"confidence,omitempty"`
	Source      string        `json:"source"`
	Trends      []MetricTrend `json:"trends,omitempty"`
}

func (c Classification) clone() Classification {
	out := c
	out.Trends = slices.Clone(c.Trends)
	if c.Confidence != nil {
		v := *c.Confidence
		out.Confidence = &v
	}
	return out
}

// Classifier passes server labels through and falls back to threshold rules
// for raw sensor payloads.
type Classifier struct {
	healthy map[string]struct{}
	rules   []Rule
}

// NewClassifier builds a classifier. An empty healthy list means DefaultHealthyLabel.
func NewClassifier(healthyLabels []string, rules []Rule) *Classifier {
	c := &Classifier{
		healthy: make(map[string]struct{}),
		rules:   slices.Clone(rules),
	}
	for _, l := range healthyLabels {
		if l = strings.TrimSpace(l); l != "" {
			c.healthy[l] = struct{}{}
		}
	}
	if len(c.healthy) == 0 {
		c.healthy[DefaultHealthyLabel] = struct{}{}
	}
	return c
}

// Classify labels r. A server label wins; otherwise every rule whose metric is
// present is evaluated, the label is the trend of the first non-normal metric
// in rule order, and the reading is anomalous if any metric moved in its bad
// direction.
func (c *Classifier) Classify(r Reading) Classification {
	if r.StatusLabel != "" {
		_, healthy := c.healthy[r.StatusLabel]
		out := Classification{
			Label:       r.StatusLabel,
			IsAnomalous: !healthy,
			Source:      SourceServer,
		}
		if r.Confidence != nil {
			v := *r.Confidence
			out.Confidence = &v
		}
		return out
	}

	out := Classification{Label: string(TrendNormal), Source: SourceLocal}
	for _, rule := range c.rules {
		v, ok := r.Metric(rule.Metric)
		if !ok {
			continue
		}
		mt := EvaluateTrend(rule, v)
		out.Trends = append(out.Trends, mt)
		if mt.Trend == TrendNormal {
			continue
		}
		if out.Label == string(TrendNormal) {
			out.Label = string(mt.Trend)
		}
		if !mt.Good {
			out.IsAnomalous = true
		}
	}
	return out
}

// EvaluateTrend places value against rule. A value within 20% of the
// threshold from the baseline is normal.
func EvaluateTrend(rule Rule, value float64) MetricTrend {
	diff := value - rule.Baseline
	mt := MetricTrend{
		Metric:   rule.Metric,
		Value:    value,
		Baseline: rule.Baseline,
		Trend:    TrendNormal,
		Good:     true,
	}
	if rule.Baseline != 0 {
		mt.PercentDelta = 100 * diff / rule.Baseline
	}
	if diff == 0 || math.Abs(diff) < normalBand*rule.Threshold {
		return mt
	}
	if diff > 0 {
		mt.Trend = TrendElevated
		mt.Good = !rule.LowerIsBetter
	} else {
		mt.Trend = TrendDepressed
		mt.Good = rule.LowerIsBetter
	}
	return mt
}
