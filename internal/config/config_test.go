package config

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"pawpulse-live/internal/telemetry"
)

var allVars = []string{
	"APP_ENV", "LOG_LEVEL", "HTTP_ADDR", "TRANSPORT", "STREAM_URL",
	"DIAL_TIMEOUT", "SEND_TIMEOUT", "MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID",
	"MQTT_TOPIC_PREFIX", "BUFFER_CAPACITY", "HEALTHY_LABELS", "CLASSIFIER_RULES",
	"RECONNECT_POLICY", "RECONNECT_MIN_INTERVAL", "RECONNECT_MAX_INTERVAL",
	"SQLITE_PATH", "SQL_LOG", "PET_IDS", "PETS_API_URL", "PETS_API_TOKEN",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":8080")
	}
	if got.Transport != "ws" || got.StreamURL != "ws://localhost:5000/stream" {
		t.Errorf("Transport = %q, StreamURL = %q", got.Transport, got.StreamURL)
	}
	if got.DialTimeout != 10*time.Second || got.SendTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, SendTimeout = %v", got.DialTimeout, got.SendTimeout)
	}
	if got.MQTTBroker != "localhost" || got.MQTTPort != 1883 || got.MQTTTopicPrefix != "pets" {
		t.Errorf("MQTT = %s:%d prefix %q", got.MQTTBroker, got.MQTTPort, got.MQTTTopicPrefix)
	}
	if !strings.HasPrefix(got.MQTTClientID, "pawpulse-live-") {
		t.Errorf("MQTTClientID = %q, want pawpulse-live- prefix", got.MQTTClientID)
	}
	if got.BufferCapacity != 30 {
		t.Errorf("BufferCapacity = %d, want 30", got.BufferCapacity)
	}
	if len(got.HealthyLabels) != 1 || got.HealthyLabels[0] != "healthy" {
		t.Errorf("HealthyLabels = %v, want [healthy]", got.HealthyLabels)
	}
	if len(got.ClassifierRules) != 4 {
		t.Errorf("len(ClassifierRules) = %d, want 4", len(got.ClassifierRules))
	}
	if !slices.Equal(got.ClassifierRules, telemetry.DefaultRules()) {
		t.Errorf("ClassifierRules = %+v, want DefaultRules() %+v", got.ClassifierRules, telemetry.DefaultRules())
	}
	if got.ReconnectPolicy != "exponential" || got.ReconnectMinInterval != time.Second || got.ReconnectMaxInterval != time.Minute {
		t.Errorf("reconnect = %s %v..%v", got.ReconnectPolicy, got.ReconnectMinInterval, got.ReconnectMaxInterval)
	}
	if got.SQLitePath != "" || got.SQLLog {
		t.Errorf("SQLitePath = %q, SQLLog = %v; want recorder off", got.SQLitePath, got.SQLLog)
	}
	if len(got.PetIDs) != 0 {
		t.Errorf("PetIDs = %v, want none", got.PetIDs)
	}
}

func TestLoadFromEnv_ClientIDsAreUnique(t *testing.T) {
	clearEnv(t)
	a, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	b, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if a.MQTTClientID == b.MQTTClientID {
		t.Errorf("two loads share client id %q", a.MQTTClientID)
	}

	t.Setenv("MQTT_CLIENT_ID", " ward-1 ")
	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if c.MQTTClientID != "ward-1" {
		t.Errorf("MQTTClientID = %q, want ward-1", c.MQTTClientID)
	}
}

func TestLoadFromEnv_AppEnv_Invalid(t *testing.T) {
	for _, v := range []string{"staging", "DEV", "whatever"} {
		t.Run(v, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("APP_ENV", v)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil")
			}
		})
	}
}

func TestLoadFromEnv_Lists(t *testing.T) {
	clearEnv(t)
	t.Setenv("PET_IDS", " 1, 2 ,,pet_3 ")
	t.Setenv("HEALTHY_LABELS", "healthy, resting")
	t.Setenv("MQTT_TOPIC_PREFIX", "/clinic/pets/")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(got.PetIDs) != 3 || got.PetIDs[0] != "1" || got.PetIDs[2] != "pet_3" {
		t.Errorf("PetIDs = %v", got.PetIDs)
	}
	if len(got.HealthyLabels) != 2 || got.HealthyLabels[1] != "resting" {
		t.Errorf("HealthyLabels = %v", got.HealthyLabels)
	}
	if got.MQTTTopicPrefix != "clinic/pets" {
		t.Errorf("MQTTTopicPrefix = %q, want clinic/pets", got.MQTTTopicPrefix)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "transport", key: "TRANSPORT", val: "carrier-pigeon"},
		{name: "stream url scheme", key: "STREAM_URL", val: "http://localhost:5000"},
		{name: "dial timeout", key: "DIAL_TIMEOUT", val: "soon"},
		{name: "zero send timeout", key: "SEND_TIMEOUT", val: "0s"},
		{name: "mqtt port", key: "MQTT_PORT", val: "70000"},
		{name: "capacity zero", key: "BUFFER_CAPACITY", val: "0"},
		{name: "capacity huge", key: "BUFFER_CAPACITY", val: "10001"},
		{name: "capacity text", key: "BUFFER_CAPACITY", val: "thirty"},
		{name: "rules", key: "CLASSIFIER_RULES", val: "heart_rate:85"},
		{name: "policy", key: "RECONNECT_POLICY", val: "sometimes"},
		{name: "negative interval", key: "RECONNECT_MIN_INTERVAL", val: "-1s"},
		{name: "max below min", key: "RECONNECT_MAX_INTERVAL", val: "500ms"},
		{name: "sql log", key: "SQL_LOG", val: "loud"},
		{name: "log level", key: "LOG_LEVEL", val: "loud"},
		{name: "pet id wildcard", key: "PET_IDS", val: "1,+"},
		{name: "pet id multi-level wildcard", key: "PET_IDS", val: "#"},
		{name: "pet id separator", key: "PET_IDS", val: "pets/7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() with %s=%q error = nil, want non-nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFromEnv_MQTT(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSPORT", " MQTT ")
	t.Setenv("STREAM_URL", "ignored-for-mqtt")
	t.Setenv("MQTT_BROKER", "broker.local")
	t.Setenv("MQTT_PORT", "8883")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.Transport != "mqtt" || got.MQTTBroker != "broker.local" || got.MQTTPort != 8883 {
		t.Errorf("got %+v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "  warn \n", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "DeBuG", want: slog.LevelDebug},
		{in: "error", want: slog.LevelError},
		{in: "", want: slog.LevelInfo, wantErr: true},
		{in: "warns", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
