package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/relayhub/internal/api"
	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/devicesync"
	"github.com/nerrad567/relayhub/internal/dispatch"
	"github.com/nerrad567/relayhub/internal/infrastructure/config"
	"github.com/nerrad567/relayhub/internal/infrastructure/database"
	"github.com/nerrad567/relayhub/internal/infrastructure/influxdb"
	"github.com/nerrad567/relayhub/internal/infrastructure/logging"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
	"github.com/nerrad567/relayhub/internal/infrastructure/mongodb"
	"github.com/nerrad567/relayhub/internal/infrastructure/mqtt"
)

// runServe is the server lifecycle, separated from the command for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - flagPath: value of --config, may be empty
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func runServe(ctx context.Context, flagPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting relayhub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(flagPath)
	if err != nil {
		return err
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("configuration loaded",
		"site", cfg.Site.ID,
		"storage", cfg.Storage.Driver,
		"level", cfg.Logging.Level,
	)

	m := metrics.New()
	checks := make(map[string]api.HealthChecker)

	repo, closeRepo, err := openRepository(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeRepo()

	policy, err := device.ParseSliderPolicy(cfg.Registry.SliderPolicy)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	registry := device.NewRegistry(repo, policy)
	registry.SetLogger(log)
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised",
		"devices", registry.GetStats().Devices,
		"slider_policy", policy,
	)

	svc := devicesync.New(registry, nil, cfg.Dispatch.Retries)
	svc.SetLogger(log)
	svc.SetMetrics(m)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		svc.SetSink(influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", mqttClient.ClientID(),
		)
	} else {
		log.Info("MQTT disabled")
	}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Service: svc,
		Metrics: m,
		Checks:  checks,
		Version: version,
	}
	if mqttClient != nil {
		deps.Broker = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	svc.AddNotifier(server)

	// The dispatcher reaches devices through the server's sessions first
	// and the broker second.
	var acker devicesync.Acker
	if cfg.Dispatch.Enabled {
		var broker *dispatch.MQTTTransport
		if mqttClient != nil {
			broker = dispatch.NewMQTTTransport(mqttClient)
		}
		dispatcher := dispatch.New(dispatch.NewRouteResolver(server.Sessions(), broker), cfg.GetDispatchTimeout())
		dispatcher.SetLogger(log)
		dispatcher.SetMetrics(m)
		if influxClient != nil {
			dispatcher.SetSink(influxClient)
		}
		svc.SetSender(dispatcher)
		server.SetAcker(dispatcher)
		acker = dispatcher
		log.Info("command dispatch enabled",
			"timeout", dispatcher.Timeout(),
			"retries", cfg.Dispatch.Retries,
		)
	} else {
		log.Info("command dispatch disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if mqttClient != nil {
		mirror := devicesync.NewStateMirror(mqttClient, cfg.MQTT.StateQueueSize)
		mirror.SetLogger(log)
		mirror.SetMetrics(m)
		svc.AddNotifier(mirror)
		g.Go(func() error {
			mirror.Run(gctx)
			return nil
		})

		// #nosec G115 -- qos validated to 0..2
		ingress := devicesync.NewMQTTIngress(svc, acker, byte(cfg.MQTT.QoS))
		ingress.SetLogger(log)
		ingress.SetMetrics(m)
		if bindErr := ingress.Bind(mqttClient); bindErr != nil {
			return fmt.Errorf("binding MQTT ingress: %w", bindErr)
		}
	}

	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")
	log.Info("initialisation complete, waiting for shutdown signal")

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("relayhub stopped")
	return nil
}

// openRepository opens the configured storage driver and registers its
// health check. The returned close function is never nil.
func openRepository(ctx context.Context, cfg *config.Config, log *logging.Logger, checks map[string]api.HealthChecker) (device.Repository, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		log.Warn("using in-memory storage, device records are lost on restart")
		return device.NewMemoryRepository(), func() {}, nil

	case config.StorageMongoDB:
		client, err := mongodb.Connect(ctx, cfg.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to MongoDB: %w", err)
		}
		if err := client.EnsureIndexes(ctx); err != nil {
			_ = client.Close() //nolint:errcheck // best effort cleanup
			return nil, nil, fmt.Errorf("creating MongoDB indexes: %w", err)
		}
		checks["mongodb"] = client
		log.Info("MongoDB connected", "database", cfg.MongoDB.Database, "collection", cfg.MongoDB.Collection)
		return device.NewMongoRepository(client.Devices()), func() {
			log.Info("closing MongoDB connection")
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing MongoDB", "error", closeErr)
			}
		}, nil

	default:
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		closeDB := func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}
		log.Info("database connected", "path", cfg.Database.Path)

		applied, err := db.Migrate(ctx)
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database migrations complete", "applied", applied)

		checks["database"] = db
		return device.NewSQLiteRepository(db.DB), closeDB, nil
	}
}

// healthCheck verifies every backing service at startup.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
