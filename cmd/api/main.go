package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kvasirlabs/beacon/internal/adapters/api"
	"github.com/kvasirlabs/beacon/internal/adapters/database"
	"github.com/kvasirlabs/beacon/internal/adapters/events"
	"github.com/kvasirlabs/beacon/internal/adapters/redisstore"
	"github.com/kvasirlabs/beacon/internal/domain/alerts"
	"github.com/kvasirlabs/beacon/internal/domain/connectivity"
	"github.com/kvasirlabs/beacon/internal/domain/dispatch"
	"github.com/kvasirlabs/beacon/internal/domain/fanout"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
	"github.com/kvasirlabs/beacon/pkg/auth"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	// 1. Load Keys
	privateKeyPath := os.Getenv("AUTH_PRIVATE_KEY_PATH")
	publicKeyPath := os.Getenv("AUTH_PUBLIC_KEY_PATH")
	if privateKeyPath == "" || publicKeyPath == "" {
		logger.Error("AUTH_PRIVATE_KEY_PATH and AUTH_PUBLIC_KEY_PATH must be set")
		os.Exit(1)
	}

	privateKeyPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		logger.Error("Failed to read private key", "path", privateKeyPath, "error", err)
		os.Exit(1)
	}
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		logger.Error("Failed to read public key", "path", publicKeyPath, "error", err)
		os.Exit(1)
	}

	signer, err := auth.NewSigner(privateKeyPEM, publicKeyPEM, "beacon", 0)
	if err != nil {
		logger.Error("Failed to create signer", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Postgres Connection Pool
	dbURL := os.Getenv("BEACON_DB_URL")
	if dbURL == "" {
		logger.Error("BEACON_DB_URL is not set")
		os.Exit(1)
	}
	dbConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}
	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	// 3. Connect to RabbitMQ
	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}
	amqpConn, err := amqp.Dial(rabbitURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	// 4. Connect to Redis
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("Redis Connected")

	// 5. Initialize Repositories and Stores
	userRepo := database.NewPostgresUserRepository(pool)
	queueStore := database.NewPostgresQueueStore(pool)
	ledger := redisstore.NewLedger(rdb, 0)
	seenStore := redisstore.NewSeenStore(rdb)
	mirror := redisstore.NewLocationMirror(rdb, 0)

	// 6. Warm the spatial index
	clock := sos.SystemClock{}
	index := geo.NewIndex()
	if err := warmIndex(ctx, index, userRepo, mirror); err != nil {
		logger.Error("Failed to warm spatial index", "error", err)
		os.Exit(1)
	}

	// 7. Messaging adapters
	transport, err := events.NewAMQPTransport(amqpConn)
	if err != nil {
		logger.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	notifier, err := events.NewAMQPNotifier(amqpConn)
	if err != nil {
		logger.Error("Failed to create notifier", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	alerting := events.NewSMSGatewayAlerting(
		os.Getenv("SMS_GATEWAY_URL"),
		os.Getenv("SMS_GATEWAY_TOKEN"),
		index,
		nil,
	)

	// 8. Connectivity gate, fed by a TCP probe against the broker
	gate := connectivity.NewGate(true)
	probeAddr := os.Getenv("CONNECTIVITY_PROBE_ADDR")
	if probeAddr == "" {
		if uri, parseErr := amqp.ParseURI(rabbitURL); parseErr == nil {
			probeAddr = net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
		}
	}
	if probeAddr != "" {
		watcher := connectivity.NewWatcher(gate,
			connectivity.DialProbe{Addr: probeAddr, Timeout: 2 * time.Second},
			5*time.Second, logger)
		go func() {
			_ = watcher.Run(ctx)
		}()
	}

	// 9. Fan-out and dispatch queue
	fanoutSvc := fanout.NewService(index, notifier, alerting, ledger, 0, logger)

	// The registry is created after the queue but the queue's failure
	// callback needs it; the closure resolves the cycle.
	var registry *sos.Registry

	queue := dispatch.NewQueue(
		queueStore,
		transport,
		clock,
		dispatch.Config{},
		gate.IsOnline,
		func(ev sos.Event) {
			if dispatchErr := fanoutSvc.Dispatch(ctx, ev); dispatchErr != nil {
				logger.Error("fan-out incomplete", "event_id", ev.ID, "error", dispatchErr)
			}
		},
		func(ev sos.Event) {
			// Terminal failure releases the device for a fresh attempt
			registry.Reset(ev.UserID)
		},
		logger,
	)

	// Reconnecting flushes whatever queued while offline
	gate.OnTransition(func(online bool) {
		if online {
			go func() {
				if drainErr := queue.Drain(ctx); drainErr != nil {
					logger.Error("drain after reconnect failed", "error", drainErr)
				}
			}()
		}
	})

	// Entries backing off become due again without any transition; sweep
	// for them periodically.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !gate.IsOnline() {
					continue
				}
				if drainErr := queue.Drain(ctx); drainErr != nil {
					logger.Error("scheduled drain failed", "error", drainErr)
				}
			}
		}
	}()

	// 10. Per-device SOS machines
	registry = sos.NewRegistry(func(userID uuid.UUID) *sos.Machine {
		return sos.NewMachine(
			userID,
			sos.Config{},
			clock,
			sos.SystemTimer{},
			sos.IndexLocationSource{Index: index, UserID: userID, Clock: clock},
			func(ev sos.Event) {
				if enqErr := queue.Enqueue(ctx, ev); enqErr != nil {
					logger.Error("failed to enqueue SOS event", "event_id", ev.ID, "error", enqErr)
				}
			},
			logger,
		)
	})
	// Events still live from before the last shutdown keep their machines
	// occupied, so a device cannot raise a second SOS after a restart.
	activeEvents, err := queueStore.ActiveEvents(ctx)
	if err != nil {
		logger.Error("Failed to load active SOS events", "error", err)
		os.Exit(1)
	}
	for _, ev := range activeEvents {
		registry.Machine(ev.UserID).Restore(ev.ID)
	}
	if len(activeEvents) > 0 {
		logger.Info("Restored live SOS events", "count", len(activeEvents))
	}

	// Backend acknowledgements advance events and release machines
	ackConsumer := events.NewAckConsumer(amqpConn, queueStore, registry.Reset, logger)
	go func() {
		if runErr := ackConsumer.Run(ctx); runErr != nil && ctx.Err() == nil {
			logger.Error("Ack consumer stopped", "error", runErr)
		}
	}()

	// 11. Alert ingest
	alertsSvc := alerts.NewService(index, clock, seenStore, 0, 0, logger)
	go pruneAlerts(ctx, alertsSvc)

	// 12. HTTP surface
	handler := api.NewHandler(userRepo, index, registry, alertsSvc, signer, mirror, clock, logger)
	router := api.NewRouter(handler, signer, os.Getenv("ALERT_FEED_SECRET"), logger)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting Beacon API", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// warmIndex loads active users from Postgres, then overlays any fresher
// fixes the Redis mirror captured after the last row update.
func warmIndex(ctx context.Context, index *geo.Index, users geo.UserRepository, mirror *redisstore.LocationMirror) error {
	records, err := users.ListActiveUsers(ctx)
	if err != nil {
		return err
	}
	index.Load(records)

	for _, rec := range records {
		p, ok, err := mirror.Get(ctx, rec.ID)
		if err != nil || !ok {
			continue
		}
		if rec.LastKnown == nil || p.CapturedAt.After(rec.LastKnown.CapturedAt) {
			_ = index.Upsert(rec.ID, p)
		}
	}
	return nil
}

// pruneAlerts periodically drops long-expired alerts and their
// presentation history.
func pruneAlerts(ctx context.Context, svc *alerts.Service) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Prune(time.Hour)
		}
	}
}
