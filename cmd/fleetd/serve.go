package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-fleet/internal/api"
	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
	"github.com/nerrad567/gray-logic-fleet/internal/detector"
	"github.com/nerrad567/gray-logic-fleet/internal/gateway"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/nats"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/objectstore"
	"github.com/nerrad567/gray-logic-fleet/internal/notify"
	"github.com/nerrad567/gray-logic-fleet/internal/posture"
	"github.com/nerrad567/gray-logic-fleet/internal/provisioning"
	"github.com/nerrad567/gray-logic-fleet/internal/rules"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
	"github.com/nerrad567/gray-logic-fleet/internal/sinks"
	_ "github.com/nerrad567/gray-logic-fleet/migrations"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the fleet daemon",
	GroupID: "daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), getConfigPath())
	},
}

// backends holds the optional external connections. Nil means disabled.
type backends struct {
	mqtt   *mqtt.Client
	influx *influxdb.Client
	bus    *nats.Client
	store  *objectstore.Store
}

// runServe is the daemon lifecycle, separated from the command for
// testability. It returns nil on a clean shutdown.
func runServe(ctx context.Context, path string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting fleetd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	be, closeBackends, err := connectBackends(ctx, cfg, log)
	defer closeBackends()
	if err != nil {
		return err
	}

	if err := healthCheck(ctx, db, be); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	m := metrics.New()
	notifier := notify.New()
	notifier.SetLogger(log.Component("notify"))
	if be.mqtt != nil {
		notifier.SetMQTT(be.mqtt)
	}
	if be.bus != nil {
		notifier.SetBus(be.bus)
	}

	// ─── Identity & Provisioning ───────────────────────────────────

	identities := identity.NewStore(db.DB)
	identities.SetLogger(log.Component("identity"))

	issuer := provisioning.NewIssuer(identities, cfg.Security.ClaimSecret, cfg.GetClaimTTL())
	provisioner := provisioning.NewProvisioner(identities, provisioning.Config{
		ClaimSecret:       cfg.Security.ClaimSecret,
		DeviceTokenSecret: cfg.Security.DeviceTokenSecret,
		DeviceTokenTTL:    cfg.GetDeviceTokenTTL(),
	})
	provisioner.SetLogger(log.Component("provisioning"))
	provisioner.SetMetrics(m)

	// ─── Shadows, Detectors & Posture ──────────────────────────────

	shadows := shadow.NewStore(db.DB)
	shadows.SetLogger(log.Component("shadow"))
	shadows.SetMetrics(m)

	detectorConfigs := make([]detector.Config, 0, len(cfg.Detectors))
	for _, d := range cfg.Detectors {
		detectorConfigs = append(detectorConfigs, detector.ConfigFrom(d))
	}
	engine, err := detector.NewEngine(detector.EngineConfigFrom(cfg.Detector), detectorConfigs)
	if err != nil {
		return fmt.Errorf("creating detector engine: %w", err)
	}
	engine.SetLogger(log.Component("detector"))
	engine.SetMetrics(m)
	engine.OnTransition(func(c detector.StateChanged) {
		if be.influx != nil {
			be.influx.WriteDetectorTransition(c.EntityID, string(c.From), string(c.To), c.SampleAt)
		}
		notifier.Notify(ctx, notify.Alert{
			Kind:    notify.KindDetectorState,
			ThingID: c.ThingID,
			Subject: c.EntityID,
			Payload: c,
		})
	})

	monitor := posture.NewMonitor(cfg.Posture.WindowSeconds, posture.BaselinesFrom(cfg.Posture.Profiles))
	monitor.SetLogger(log.Component("posture"))
	monitor.SetMetrics(m)
	monitor.OnViolation(func(v posture.Violation) {
		if be.influx != nil {
			be.influx.WritePostureScore(v.ThingID, string(v.Metric), string(v.Severity), v.Score, v.ObservedAt)
		}
		notifier.Notify(ctx, notify.Alert{
			Kind:    notify.KindPostureViolation,
			ThingID: v.ThingID,
			Subject: string(v.Metric),
			Payload: v,
		})
	})

	// ─── Delivery & Rules ──────────────────────────────────────────

	registry := delivery.NewRegistry()
	sinks.RegisterBuiltins(registry, sinks.Builtins{Shadow: shadows, Detector: engine, Posture: monitor})
	if err := sinks.Build(registry, cfg.Sinks, sinkBackends(be, log)); err != nil {
		return fmt.Errorf("building sinks: %w", err)
	}
	log.Info("sinks registered", "sinks", registry.Names())

	deadLetters := delivery.NewDeadLetterStore(db.DB)
	deliverer := delivery.NewDeliverer(registry, deadLetters, delivery.ConfigFrom(cfg.Delivery))
	deliverer.SetLogger(log.Component("delivery"))
	deliverer.SetMetrics(m)
	deliverer.SetAlerter(notifier)
	if be.store != nil {
		deliverer.SetExportTarget(be.store)
	}

	ruleStore := rules.NewStore(db.DB)
	router := rules.NewRouter(deliverer, rules.RouterConfig{Workers: cfg.Rules.Workers, QueueSize: cfg.Rules.ShardQueue})
	router.SetLogger(log.Component("rules"))
	router.SetMetrics(m)
	router.SetStore(ruleStore)
	if err := router.Load(ctx, cfg.Rules.File); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	log.Info("rule set active", "version", router.Snapshot().Version(), "rules", router.Snapshot().Len())

	// ─── Gateway ───────────────────────────────────────────────────

	gw := gateway.New(gateway.ConfigFrom(cfg), identities, router.Handle)
	gw.SetLogger(log.Component("gateway"))
	gw.SetMetrics(m)
	gw.SetShadows(shadows)
	gw.SetPosture(monitor)

	identities.OnRevoke(gw.HandleRevoked)
	identities.OnRevoke(func(ident identity.Identity) {
		notifier.Notify(ctx, notify.Alert{
			Kind:    notify.KindIdentityRevoked,
			ThingID: ident.ThingID,
			Subject: ident.Fingerprint,
		})
	})
	shadows.OnDesiredChange(gw.HandleDesiredChange)
	if be.mqtt != nil {
		shadows.OnDesiredChange(publishDelta(be.mqtt, log))
	}

	// ─── API ───────────────────────────────────────────────────────

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Gateway:     cfg.Gateway,
		Security:    cfg.Security,
		Logger:      log,
		DB:          db,
		Metrics:     m,
		MQTT:        be.mqtt,
		Identities:  identities,
		Claims:      issuer,
		Provisioner: provisioner,
		Sessions:    gw,
		Router:      router,
		RuleStore:   ruleStore,
		Shadows:     shadows,
		Deliverer:   deliverer,
		DeadLetters: deadLetters,
		Detectors:   engine,
		Posture:     monitor,
		Audit:       audit.NewStore(db.DB),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	notifier.SetHub(server.Hub())

	// The pipeline outlives the listener so closing sessions can drain
	// into it; it is stopped once the gateway reports them done.
	pctx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPipeline()

	g, gctx := errgroup.WithContext(pctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })

	stopIngress := func() {}
	if be.mqtt != nil && cfg.MQTT.Ingress {
		bridge := gateway.NewBridge(gw, identities)
		stopIngress, err = startIngress(gctx, be.mqtt, bridge, log)
		if err != nil {
			return err
		}
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	log.Info("shutdown signal received, cleaning up")

	// Stop admitting frames, let open sessions hand their queues to the
	// router, then stop the pipeline.
	stopIngress()
	if err := server.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), sessionDrainTimeout(cfg))
	if err := gw.Wait(drainCtx); err != nil {
		log.Warn("device sessions still draining at shutdown", "sessions", len(gw.Sessions()))
	}
	cancel()
	stopPipeline()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("fleetd stopped")
	return nil
}

// sessionDrainTimeout covers a session's drain window plus a takeover's.
func sessionDrainTimeout(cfg *config.Config) time.Duration {
	return 3 * cfg.GetRevocationGrace() //nolint:mnd // drain, predecessor, slack
}

// startIngress subscribes the bridge to device frames published through
// the broker. The returned func unsubscribes.
func startIngress(ctx context.Context, client *mqtt.Client, bridge *gateway.Bridge, log *logging.Logger) (func(), error) {
	filters := mqtt.Topics{}.DeviceIngress()
	handler := func(topic string, payload []byte) error {
		return bridge.Ingest(ctx, topic, payload)
	}
	for i, f := range filters {
		if err := client.Subscribe(f, client.DefaultQoS(), handler); err != nil {
			for _, done := range filters[:i] {
				client.Unsubscribe(done) //nolint:errcheck // Already failing
			}
			return nil, fmt.Errorf("subscribing to %s: %w", f, err)
		}
	}
	log.Info("MQTT ingress subscribed", "filters", filters, "subscriptions", client.SubscriptionCount())

	return func() {
		for _, f := range filters {
			if err := client.Unsubscribe(f); err != nil {
				log.Warn("MQTT ingress unsubscribe failed", "filter", f, "error", err)
			}
		}
	}, nil
}

// openDatabase opens SQLite and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// connectBackends dials every enabled external service. The returned
// cleanup closes whatever was opened, in reverse order, and is safe to call
// after an error.
func connectBackends(ctx context.Context, cfg *config.Config, log *logging.Logger) (backends, func(), error) {
	var (
		be      backends
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return be, cleanup, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(log.Component("mqtt"))
		client.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		closers = append(closers, func() {
			log.Info("disconnecting from MQTT")
			if err := client.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		})
		be.mqtt = client
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return be, cleanup, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		closers = append(closers, func() {
			log.Info("closing InfluxDB connection")
			if err := client.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		})
		be.influx = client
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.NATS.Enabled {
		client, err := nats.Connect(cfg.NATS)
		if err != nil {
			return be, cleanup, fmt.Errorf("connecting to NATS: %w", err)
		}
		closers = append(closers, func() {
			log.Info("closing NATS connection")
			if err := client.Close(); err != nil {
				log.Error("error closing NATS", "error", err)
			}
		})
		be.bus = client
		log.Info("NATS connected", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	} else {
		log.Info("NATS disabled")
	}

	if cfg.Archive.Enabled {
		store, err := objectstore.Open(ctx, cfg.Archive)
		if err != nil {
			return be, cleanup, fmt.Errorf("opening object store: %w", err)
		}
		be.store = store
		log.Info("object store configured", "bucket", cfg.Archive.Bucket, "region", cfg.Archive.Region)
	} else {
		log.Info("object store disabled")
	}

	return be, cleanup, nil
}

// sinkBackends converts the open connections to sink backends. A disabled
// backend must stay a nil interface, not a typed nil pointer.
func sinkBackends(be backends, log *logging.Logger) sinks.Backends {
	b := sinks.Backends{Logger: log.Component("sink")}
	if be.mqtt != nil {
		b.MQTT = be.mqtt
	}
	if be.bus != nil {
		b.Bus = be.bus
	}
	if be.influx != nil {
		b.Influx = be.influx
	}
	if be.store != nil {
		b.Store = be.store
	}
	return b
}

// publishDelta mirrors desired-state deltas to devices/{id}/shadow/delta
// for devices that follow their shadow over MQTT.
func publishDelta(client *mqtt.Client, log *logging.Logger) shadow.DesiredListener {
	return func(thingID string, delta shadow.Delta) {
		data, err := json.Marshal(delta)
		if err != nil {
			log.Warn("encoding shadow delta", "thing_id", thingID, "error", err)
			return
		}
		if err := client.Publish(mqtt.Topics{}.ShadowDelta(thingID), data, client.DefaultQoS(), false); err != nil {
			log.Warn("publishing shadow delta", "thing_id", thingID, "error", err)
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - be: Optional backends; nil entries are skipped
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, be backends) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if be.mqtt != nil {
		if err := be.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if be.influx != nil {
		if err := be.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if be.bus != nil {
		if err := be.bus.HealthCheck(ctx); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	return nil
}
