package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/appeals"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/cache"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/clients"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/enforcement"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/feed"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/httpapi"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/lock"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/queue"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/scheduler"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/service"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/telemetry"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/window"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	policy := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = config.LoadPolicy(cfg.PolicyFile); err != nil {
			slog.Error("failed to load ranking policy", "file", cfg.PolicyFile, "error", err)
			os.Exit(1)
		}
	}

	slog.Info("starting offer-ranking",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"governance_backend", cfg.GovernanceBackend,
		"policy_file", cfg.PolicyFile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	var st store.Store
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		clientOpts := options.Client().ApplyURI(cfg.MongoURI).SetRegistry(store.NewRegistry())
		mongoClient, err = mongo.Connect(connectCtx, clientOpts)
		if err != nil {
			slog.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		if err := mongoClient.Ping(connectCtx, nil); err != nil {
			slog.Error("failed to ping mongodb", "error", err)
			os.Exit(1)
		}
		mongoStore := store.NewMongoStore(mongoClient, cfg.MongoDB)
		if err := mongoStore.EnsureIndexes(connectCtx); err != nil {
			slog.Warn("failed to create indexes", "error", err)
		}
		connectCancel()
		st = mongoStore
		slog.Info("using mongodb store", "db", cfg.MongoDB)
	} else {
		st = store.NewMemoryStore()
		slog.Info("using in-memory store (development mode)")
	}

	if cfg.GovernanceBackend == "firestore" {
		gov, err := store.NewFirestoreGovernanceStore(ctx, cfg.FirestoreProject)
		if err != nil {
			slog.Error("failed to initialize firestore", "error", err)
			os.Exit(1)
		}
		st = &store.Layered{Store: st, Governance: gov}
		slog.Info("using firestore governance store", "project", cfg.FirestoreProject)
	}
	defer func() { _ = st.Close() }()
	if mongoClient != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(ctx); err != nil {
				slog.Error("failed to disconnect mongodb", "error", err)
			}
		}()
	}

	// Telemetry
	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.NewOTLPProvider(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure, 15*time.Second)
		if err != nil {
			slog.Error("failed to initialize metric exporter", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown metric provider", "error", err)
			}
		}()
	}
	metrics, err := telemetry.New(nil)
	if err != nil {
		slog.Error("failed to create metric instruments", "error", err)
		os.Exit(1)
	}

	// Outbound events
	publisher := events.NewPublisher("offer-ranking")
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaEventsTopic != "" {
		writer := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer func() { _ = writer.Close() }()
		publisher.AddSink(events.NewKafkaSink(writer))
		slog.Info("publishing events to kafka", "topic", cfg.KafkaEventsTopic)
	}

	// Collaborators
	var catalog service.Catalog = clients.NewStaticCatalog(cfg.DefaultCurrency)
	if cfg.CatalogURL != "" {
		catalog = clients.NewCatalogClient(cfg.CatalogURL)
	}
	var identity appeals.Authorizer = clients.NewStaticIdentity(cfg.AdminIDs...)
	if cfg.IdentityURL != "" {
		identity = clients.NewIdentityClient(cfg.IdentityURL)
	}

	// Initialize services
	svc := service.New(st, catalog, policy, publisher).WithMetrics(metrics)

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		locker = lock.NewRedisLocker(rdb, "offer-ranking:lock:", cfg.LockTTL)
		svc.WithCache(cache.NewRedisWinnerCache(rdb, "offer-ranking:winner:", cfg.CacheTTL))
		slog.Info("using redis locks and winner cache", "addr", cfg.RedisAddr)
	} else {
		svc.WithCache(cache.NewMemoryWinnerCache())
	}
	svc.WithLocker(locker)

	var bg errgroup.Group

	var dispatcher scheduler.Dispatcher = scheduler.Direct(svc)
	if cfg.LmstfyHost != "" {
		lc := queue.NewClient(cfg.LmstfyHost, cfg.LmstfyPort, cfg.LmstfyNamespace, cfg.LmstfyToken)
		dispatcher = queue.NewDispatcher(lc, cfg.LmstfyQueue)
		consumer := queue.NewConsumer(lc, cfg.LmstfyQueue, svc, cfg.RecomputeWorkers)
		bg.Go(func() error { return consumer.Run(ctx) })
		slog.Info("dispatching recomputes through lmstfy", "queue", cfg.LmstfyQueue)
	}

	sched := scheduler.New(dispatcher, policy.Schedule.Debounce, cfg.RecomputeWorkers).WithMetrics(metrics)
	svc.SetTrigger(sched)

	engine := enforcement.NewEngine(st, policy, sched, publisher).
		WithLocker(locker).
		WithMetrics(metrics)
	agg := window.NewAggregator(st, policy.Schedule.Window, engine).WithLocker(locker)
	workflow := appeals.NewWorkflow(st, identity, engine, publisher)

	if len(cfg.KafkaBrokers) > 0 {
		topics := feed.Topics{Facts: cfg.KafkaFactsTopic, Offers: cfg.KafkaOffersTopic}
		consumer := feed.NewConsumer(feed.NewReader(cfg.KafkaBrokers, cfg.KafkaGroupID, topics), topics, agg, svc, sched).
			WithMetrics(metrics)
		bg.Go(func() error { return consumer.Run(ctx) })
	}

	sweeper := scheduler.NewSweeper(st, sched, policy.Schedule.SweepRatePerSecond)
	bg.Go(func() error { return sched.Run(ctx) })
	bg.Go(func() error {
		return scheduler.RunPeriodic(ctx,
			scheduler.Task{Name: "winner_sweep", Interval: policy.Schedule.SweepInterval, Run: sweeper.Sweep},
			scheduler.Task{Name: "metric_aggregation", Interval: policy.Schedule.AggregationInterval, Run: func(ctx context.Context) error {
				res, err := agg.RunBatch(ctx)
				slog.InfoContext(ctx, "metric_aggregation_completed", "sellers", res.Sellers, "failed", res.Failed)
				return err
			}},
		)
	})

	// Setup HTTP router
	handlers := httpapi.NewHandlers(svc, workflow, agg, st).WithMetrics(metrics)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewRouter(handlers),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop intake and wait for in-flight recomputes to finish.
	cancel()
	done := make(chan error, 1)
	go func() { done <- bg.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Error("background worker failed", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Error("background workers did not stop in time")
	}

	slog.Info("server stopped")
}
