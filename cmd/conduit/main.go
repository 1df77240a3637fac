// Conduit Core - IoT Hub
//
// This is the main entry point for the Conduit Core hub: the message
// router and device registry that sits between field devices (WebSocket
// links) and consuming applications (HTTP API, event feed, telemetry).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/conduit-hub/conduit-core/migrations"

	"github.com/conduit-hub/conduit-core/internal/api"
	"github.com/conduit-hub/conduit-core/internal/cache"
	"github.com/conduit-hub/conduit-core/internal/conn"
	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/database"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/logging"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/metrics"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/mqtt"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/tsdb"
	"github.com/conduit-hub/conduit-core/internal/message"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Conduit Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	hubMetrics := metrics.New()

	// Device registry. Recovery demotes every record to offline: no
	// connection survives a restart.
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo)
	registry.SetLogger(log.With("component", "registry"))
	registry.SetMetrics(hubMetrics)
	if err := registry.Recover(ctx); err != nil {
		return fmt.Errorf("recovering device registry: %w", err)
	}
	log.Info("device registry initialised")

	// Message router. The sender proxy breaks the construction cycle:
	// the router needs the connection manager to send, the manager needs
	// the router to submit.
	sender := &linkSender{}
	messageRepo := message.NewSQLiteRepository(db.DB)
	router := message.NewRouter(messageRepo, registry, sender, message.Config{
		Workers:             cfg.Router.Workers,
		RetryBudget:         cfg.Router.RetryBudget,
		RetryBackoff:        cfg.Router.RetryBackoff,
		AttemptTimeout:      cfg.Router.AttemptTimeout,
		MaxResidency:        cfg.Router.MaxResidency,
		ExpirySweepInterval: cfg.Router.ExpirySweepInterval,
	})
	router.SetLogger(log.With("component", "router"))
	router.SetMetrics(routerMetrics{m: hubMetrics})
	router.SetPresence(registry)

	// Connection manager for device WebSocket links
	manager := conn.NewManager(cfg.Link, registry, router, log.With("component", "conn"))
	sender.mgr = manager

	// Tiered read cache; presence transitions invalidate it and release
	// any messages parked for the reconnecting device.
	readCache := cache.New(cfg.Cache)
	readCache.SetMetrics(hubMetrics)
	registry.OnOnline(func(deviceID string) {
		readCache.Invalidate(deviceID)
		router.RequeueFor(deviceID)
	})
	registry.OnOffline(readCache.Invalidate)

	// Optional MQTT event feed
	if cfg.Events.Enabled {
		eventsClient, err := mqtt.Connect(cfg.Events)
		if err != nil {
			return fmt.Errorf("connecting to events broker: %w", err)
		}
		defer func() {
			log.Info("disconnecting from events broker")
			if closeErr := eventsClient.Close(); closeErr != nil {
				log.Error("error closing events broker connection", "error", closeErr)
			}
		}()
		eventsClient.SetLogger(log.With("component", "events"))
		log.Info("events broker connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Events.Broker.Host, cfg.Events.Broker.Port),
			"client_id", cfg.Events.Broker.ClientID,
		)

		feed := mqtt.NewEventFeed(eventsClient)
		defer feed.Close()
		manager.SetEvents(feed)
		router.SetOnTerminal(func(id, destination string, status message.Status) {
			feed.MessageTerminal(id, destination, string(status))
		})
	} else {
		log.Info("events feed disabled")
	}

	// Optional InfluxDB telemetry sink for platform-bound messages
	if cfg.Telemetry.Enabled {
		telemetryClient, err := tsdb.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to telemetry store: %w", err)
		}
		defer func() {
			log.Info("closing telemetry store connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing telemetry store", "error", closeErr)
			}
		}()
		telemetryClient.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry store connected",
			"url", cfg.Telemetry.URL,
			"bucket", cfg.Telemetry.Bucket,
		)

		router.SetPlatformSink(tsdb.NewTelemetrySink(telemetryClient))
	} else {
		log.Info("telemetry sink disabled")
	}

	// Requeue surviving messages, then start dispatch
	if err := router.Recover(ctx); err != nil {
		return fmt.Errorf("recovering message router: %w", err)
	}
	router.Start(ctx)
	defer func() {
		router.Close()
		router.Wait()
	}()
	log.Info("message router started", "workers", cfg.Router.Workers)

	// Liveness sweep demotes silent devices to offline
	go registry.RunLivenessSweep(ctx, cfg.Registry.SweepInterval, cfg.Registry.LivenessTimeout)

	// HTTP API server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log.With("component", "api"),
		Registry: registry,
		Devices:  deviceRepo,
		Router:   router,
		Conn:     manager,
		Cache:    readCache,
		HubID:    cfg.Hub.ID,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure is healthy before declaring readiness
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (stop accepting requests)
	// 2. Router (drain workers)
	// 3. Telemetry / events feed (flush)
	// 4. Database

	log.Info("Conduit Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CONDUIT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CONDUIT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// linkSender defers the router-to-manager wiring until both exist. The
// target is set before the router starts dispatching.
type linkSender struct {
	mgr *conn.Manager
}

func (s *linkSender) Send(ctx context.Context, deviceID string, msg *message.Message) message.SendOutcome {
	if s.mgr == nil {
		return message.OutcomeSessionClosed
	}
	return s.mgr.Send(ctx, deviceID, msg)
}

// routerMetrics adapts the Prometheus collectors to the router's typed
// metrics hooks.
type routerMetrics struct {
	m *metrics.HubMetrics
}

func (a routerMetrics) RecordSubmitted(qos message.QoS) {
	a.m.RecordSubmitted(strconv.Itoa(int(qos)))
}

func (a routerMetrics) RecordStatus(status message.Status) {
	a.m.RecordStatus(string(status))
}

func (a routerMetrics) RecordDeliveryAttempt(outcome string) {
	a.m.RecordDeliveryAttempt(outcome)
}

func (a routerMetrics) RecordDeliveryDuration(qos message.QoS, d time.Duration) {
	a.m.RecordDeliveryDuration(strconv.Itoa(int(qos)), d.Seconds())
}

func (a routerMetrics) SetQueueDepth(priority, depth int) {
	a.m.SetQueueDepth(strconv.Itoa(priority), float64(depth))
}
