package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pawpulse-live/internal/config"
	"pawpulse-live/internal/db"
	"pawpulse-live/internal/db/migrate"
	"pawpulse-live/internal/httpapi"
	"pawpulse-live/internal/metrics"
	"pawpulse-live/internal/petsapi"
	"pawpulse-live/internal/recorder"
	"pawpulse-live/internal/telemetry"
	"pawpulse-live/internal/transport/mqtt"
	"pawpulse-live/internal/transport/ws"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"app_env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"transport", cfg.Transport,
		"stream_url", cfg.StreamURL,
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_port", cfg.MQTTPort,
		"mqtt_topic_prefix", cfg.MQTTTopicPrefix,
		"buffer_capacity", cfg.BufferCapacity,
		"reconnect_policy", cfg.ReconnectPolicy,
		"sqlite_path", cfg.SQLitePath,
		"pet_ids", len(cfg.PetIDs),
		"pets_api", cfg.PetsAPIURL != "",
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	inst := metrics.New(reg)

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	manager := telemetry.NewManager(transport, telemetry.ManagerOptions{
		DialTimeout:     cfg.DialTimeout,
		Logger:          logger,
		Instrumentation: inst,
	})
	defer manager.Close()

	client := telemetry.NewClient(manager, telemetry.ClientOptions{
		Capacity:        cfg.BufferCapacity,
		Classifier:      telemetry.NewClassifier(cfg.HealthyLabels, cfg.ClassifierRules),
		SendTimeout:     cfg.SendTimeout,
		Logger:          logger,
		Instrumentation: inst,
	})
	defer client.Close()

	deps := httpapi.Deps{Live: client, Gatherer: reg}
	var rec *recorder.Recorder
	if cfg.SQLitePath != "" {
		dbConn, err := db.Open(cfg.SQLitePath, cfg.SQLLog, logger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(dbConn); closeErr != nil {
				logger.Error("db close", "error", closeErr)
			}
		}()
		applied, err := migrate.Run(ctx, dbConn, logger)
		if err != nil {
			return err
		}
		logger.Info("database ready", "path", cfg.SQLitePath, "migrations_applied", len(applied))

		repo := recorder.NewRepository(dbConn)
		rec = recorder.New(repo, client, logger)
		deps.DB = dbConn
		deps.Records = repo
	}

	// Background workers stop (and the recorder drains) before the
	// database and the manager close.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	if rec != nil {
		unwatch := client.Watch(rec)
		defer unwatch()
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(bgCtx)
		}()
	}

	if policy := reconnectPolicy(cfg); policy != nil {
		done := telemetry.NewReconnector(manager, policy, logger, inst).Start(bgCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-done
		}()
	} else {
		logger.Warn("reconnect disabled; a dropped stream stays down")
	}

	mountPets(ctx, cfg, client, logger)

	// Continue when the stream is down so /healthz still answers; the
	// reconnector keeps trying in the background.
	client.Connect()

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(deps), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("stream disconnecting")
	client.Disconnect()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func newTransport(cfg config.Config, logger *slog.Logger) (telemetry.Transport, error) {
	switch cfg.Transport {
	case "ws":
		return &ws.Transport{
			URL:          cfg.StreamURL,
			WriteTimeout: cfg.SendTimeout,
			Logger:       logger,
		}, nil
	case "mqtt":
		return &mqtt.Transport{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
			Logger:      logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// reconnectPolicy returns nil when reconnecting is off.
func reconnectPolicy(cfg config.Config) telemetry.Policy {
	switch cfg.ReconnectPolicy {
	case "fixed":
		return telemetry.FixedPolicy(cfg.ReconnectMinInterval)
	case "off":
		return nil
	default:
		return telemetry.ExponentialPolicy(cfg.ReconnectMinInterval, cfg.ReconnectMaxInterval)
	}
}

// mountPets subscribes the configured pets and, when a pets API is set, every
// pet it lists. The subscriptions live for the whole process so the release
// funcs are dropped. A failing pets API is logged and skipped.
func mountPets(ctx context.Context, cfg config.Config, client *telemetry.Client, logger *slog.Logger) {
	ids := append([]telemetry.EntityID(nil), cfg.PetIDs...)

	if cfg.PetsAPIURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pets, err := petsapi.NewClient(cfg.PetsAPIURL, cfg.PetsAPIToken).ListPets(fetchCtx)
		cancel()
		if err != nil {
			logger.Warn("pets API fetch failed (continuing with configured pets)", "error", err)
		} else {
			logger.Info("pets fetched", "count", len(pets))
			for _, p := range pets {
				ids = append(ids, p.ID)
			}
		}
	}

	seen := make(map[telemetry.EntityID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := client.Mount(id); err != nil {
			logger.Warn("mount pet", "pet_id", id, "error", err)
			continue
		}
		logger.Debug("pet mounted", "pet_id", id)
	}
}
