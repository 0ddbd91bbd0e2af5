package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pawpulse-live/internal/telemetry"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// Transport selects the stream: "ws" or "mqtt".
	Transport   string
	StreamURL   string
	DialTimeout time.Duration
	SendTimeout time.Duration

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	BufferCapacity  int
	HealthyLabels   []string
	ClassifierRules []telemetry.Rule

	// ReconnectPolicy is "exponential", "fixed" or "off".
	ReconnectPolicy      string
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	// SQLitePath enables the reading recorder when set.
	SQLitePath string
	SQLLog     bool

	PetIDs       []telemetry.EntityID
	PetsAPIURL   string
	PetsAPIToken string
}

const (
	defaultClassifierRules = "heart_rate:85:10,temperature:38.3:0.5,activity_level:50:20,stress_score:25:15:lower"
	maxBufferCapacity      = 10000
)

func LoadFromEnv() (Config, error) {
	appEnv := env("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	transport := strings.ToLower(env("TRANSPORT", "ws"))
	switch transport {
	case "ws", "mqtt":
	default:
		return Config{}, fmt.Errorf("invalid TRANSPORT %q (allowed: ws, mqtt)", transport)
	}

	streamURL := env("STREAM_URL", "ws://localhost:5000/stream")
	if transport == "ws" && !strings.HasPrefix(streamURL, "ws://") && !strings.HasPrefix(streamURL, "wss://") {
		return Config{}, fmt.Errorf("invalid STREAM_URL %q (want ws:// or wss://)", streamURL)
	}

	dialTimeout, err := parsePositiveDuration("DIAL_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}
	sendTimeout, err := parsePositiveDuration("SEND_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}

	mqttPortStr := env("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil || mqttPort < 1 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q", mqttPortStr)
	}
	clientID := env("MQTT_CLIENT_ID", "")
	if clientID == "" {
		clientID = "pawpulse-live-" + uuid.NewString()
	}

	capStr := env("BUFFER_CAPACITY", strconv.Itoa(telemetry.DefaultCapacity))
	capacity, err := strconv.Atoi(capStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BUFFER_CAPACITY %q: %w", capStr, err)
	}
	if capacity < 1 || capacity > maxBufferCapacity {
		return Config{}, fmt.Errorf("invalid BUFFER_CAPACITY %d (allowed: 1..%d)", capacity, maxBufferCapacity)
	}

	healthy := splitList(env("HEALTHY_LABELS", telemetry.DefaultHealthyLabel))
	if len(healthy) == 0 {
		healthy = []string{telemetry.DefaultHealthyLabel}
	}

	rules, err := telemetry.ParseRules(env("CLASSIFIER_RULES", defaultClassifierRules))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CLASSIFIER_RULES: %w", err)
	}

	policy := strings.ToLower(env("RECONNECT_POLICY", "exponential"))
	switch policy {
	case "exponential", "fixed", "off":
	default:
		return Config{}, fmt.Errorf("invalid RECONNECT_POLICY %q (allowed: exponential, fixed, off)", policy)
	}
	minInterval, err := parsePositiveDuration("RECONNECT_MIN_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}
	maxInterval, err := parsePositiveDuration("RECONNECT_MAX_INTERVAL", "60s")
	if err != nil {
		return Config{}, err
	}
	if maxInterval < minInterval {
		return Config{}, fmt.Errorf("RECONNECT_MAX_INTERVAL %s is below RECONNECT_MIN_INTERVAL %s", maxInterval, minInterval)
	}

	sqlLogStr := env("SQL_LOG", "false")
	sqlLog, err := strconv.ParseBool(sqlLogStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SQL_LOG %q: %w", sqlLogStr, err)
	}

	var petIDs []telemetry.EntityID
	for _, s := range splitList(env("PET_IDS", "")) {
		id, err := telemetry.ParseEntityID(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PET_IDS entry %q: %w", s, err)
		}
		petIDs = append(petIDs, id)
	}

	return Config{
		AppEnv:               appEnv,
		LogLevel:             level,
		HTTPAddr:             env("HTTP_ADDR", ":8080"),
		Transport:            transport,
		StreamURL:            streamURL,
		DialTimeout:          dialTimeout,
		SendTimeout:          sendTimeout,
		MQTTBroker:           env("MQTT_BROKER", "localhost"),
		MQTTPort:             mqttPort,
		MQTTClientID:         clientID,
		MQTTTopicPrefix:      strings.Trim(env("MQTT_TOPIC_PREFIX", "pets"), "/"),
		BufferCapacity:       capacity,
		HealthyLabels:        healthy,
		ClassifierRules:      rules,
		ReconnectPolicy:      policy,
		ReconnectMinInterval: minInterval,
		ReconnectMaxInterval: maxInterval,
		SQLitePath:           env("SQLITE_PATH", ""),
		SQLLog:               sqlLog,
		PetIDs:               petIDs,
		PetsAPIURL:           env("PETS_API_URL", ""),
		PetsAPIToken:         env("PETS_API_TOKEN", ""),
	}, nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	s := env(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
