package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"rtspbridge/internal/events"
	"rtspbridge/internal/observability/logging"
	"rtspbridge/internal/observability/metrics"
	"rtspbridge/internal/storage"
	"rtspbridge/internal/supervisor"
	"rtspbridge/internal/worker"
)

func main() {
	dataPath := flag.String("data", "", "path to the JSON stream store")
	storeDriver := flag.String("store-driver", "", "stream store driver (json, sqlite, or postgres)")
	sqlitePath := flag.String("sqlite-path", "", "path to the SQLite database file")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	relayHost := flag.String("relay-host", "", "host of the RTSP relay workers publish to")
	opsAddr := flag.String("ops-addr", "", "listen address for health and metrics endpoints")
	opsTLSCert := flag.String("ops-tls-cert", "", "path to TLS certificate for the ops listener")
	opsTLSKey := flag.String("ops-tls-key", "", "path to TLS private key for the ops listener")
	reconcileInterval := flag.Duration("reconcile-interval", 0, "pause between reconcile passes")
	stopGrace := flag.Duration("stop-grace", 0, "grace period before a stopping worker is force-killed")
	logBufferBytes := flag.Int("log-buffer-bytes", 0, "bytes of worker output retained per stream")
	autoStart := flag.Bool("auto-start", false, "launch workers for stored streams at startup")
	restartEnabled := flag.Bool("restart-enabled", false, "restart dead workers during reconciliation")
	restartMaxAttempts := flag.Int("restart-max-attempts", 0, "consecutive restart attempts per stream (0 = unlimited)")
	restartBackoff := flag.Duration("restart-backoff", 0, "base delay between restart attempts")
	redisAddr := flag.String("redis-addr", "", "Redis address for lifecycle event publishing")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for lifecycle event publishing")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisStream := flag.String("redis-stream", "", "Redis stream name for lifecycle events")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RTSPBRIDGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RTSPBRIDGE_LOG_FORMAT")),
	})

	driver, err := resolveStoreDriver(*storeDriver, os.Getenv("RTSPBRIDGE_STORE_DRIVER"))
	if err != nil {
		logger.Error("failed to resolve store driver", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	switch driver {
	case "json":
		path := firstNonEmpty(*dataPath, os.Getenv("RTSPBRIDGE_DATA"), "streams.json")
		store, err = storage.NewFileStore(path)
	case "sqlite":
		path := firstNonEmpty(*sqlitePath, os.Getenv("RTSPBRIDGE_SQLITE_PATH"), "streams.db")
		store, err = storage.NewSQLiteStore(context.Background(), path)
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, os.Getenv("RTSPBRIDGE_POSTGRES_DSN"))
		if dsn == "" {
			logger.Error("postgres store selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresStore(context.Background(), storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "RTSPBRIDGE_POSTGRES_MAX_CONNS", logger)),
			MinConnections:  int32(resolveInt(*postgresMinConns, "RTSPBRIDGE_POSTGRES_MIN_CONNS", logger)),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("RTSPBRIDGE_POSTGRES_APP_NAME"), "rtspbridge"),
			Logger:          logging.WithComponent(logger, "storage"),
		})
	}
	if err != nil {
		logger.Error("failed to open stream store", "driver", driver, "error", err)
		os.Exit(1)
	}

	relay := firstNonEmpty(*relayHost, os.Getenv("RTSPBRIDGE_RELAY_HOST"), "127.0.0.1")
	controller := worker.NewFFmpegController(worker.Config{
		RelayHost:      relay,
		GracePeriod:    resolveDuration(*stopGrace, "RTSPBRIDGE_STOP_GRACE", 5*time.Second, logger),
		LogBufferBytes: resolveInt(*logBufferBytes, "RTSPBRIDGE_LOG_BUFFER_BYTES", logger),
		Logger:         logging.WithComponent(logger, "worker"),
	})

	publisher, err := resolvePublisher(publisherSettings{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("RTSPBRIDGE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("RTSPBRIDGE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("RTSPBRIDGE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("RTSPBRIDGE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*redisStream, os.Getenv("RTSPBRIDGE_REDIS_STREAM")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("RTSPBRIDGE_REDIS_MASTER_NAME")),
		TLS: events.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("RTSPBRIDGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("RTSPBRIDGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("RTSPBRIDGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("RTSPBRIDGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "RTSPBRIDGE_REDIS_TLS_SKIP_VERIFY", logger),
		},
	})
	if err != nil {
		logger.Error("failed to connect event publisher", "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(supervisor.Config{
		Store:             store,
		Controller:        controller,
		Publisher:         publisher,
		Logger:            logging.WithComponent(logger, "supervisor"),
		ReconcileInterval: resolveDuration(*reconcileInterval, "RTSPBRIDGE_RECONCILE_INTERVAL", 15*time.Second, logger),
		AutoStart:         resolveBool(*autoStart, "RTSPBRIDGE_AUTO_START", logger),
		RelayHost:         relay,
		Restart: supervisor.RestartPolicy{
			Enabled:     resolveBool(*restartEnabled, "RTSPBRIDGE_RESTART_ENABLED", logger),
			MaxAttempts: resolveInt(*restartMaxAttempts, "RTSPBRIDGE_RESTART_MAX_ATTEMPTS", logger),
			Backoff:     resolveDuration(*restartBackoff, "RTSPBRIDGE_RESTART_BACKOFF", 5*time.Second, logger),
		},
	})
	if err != nil {
		logger.Error("failed to initialise supervisor", "error", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go sup.Run(runCtx)

	opsListen := firstNonEmpty(*opsAddr, os.Getenv("RTSPBRIDGE_OPS_ADDR"), ":9090")
	opsServer := &http.Server{
		Handler:           opsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opsLn, err := net.Listen("tcp", opsListen)
	if err != nil {
		logger.Error("failed to open ops listener", "addr", opsListen, "error", err)
		os.Exit(1)
	}

	opsCtx, opsCancel := context.WithCancel(context.Background())
	defer opsCancel()

	errs := make(chan error, 1)
	go func() {
		logger.Info("rtspbridge running", "ops_addr", opsListen, "store_driver", driver, "relay_host", relay)
		errs <- serveOps(opsCtx, opsServer, opsLn,
			firstNonEmpty(*opsTLSCert, os.Getenv("RTSPBRIDGE_OPS_TLS_CERT")),
			firstNonEmpty(*opsTLSKey, os.Getenv("RTSPBRIDGE_OPS_TLS_KEY")))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		if err != nil {
			logger.Error("ops server error", "error", err)
		}
	}

	runCancel()
	opsCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		logger.Warn("worker shutdown failed", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close event publisher", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close stream store", "error", err)
	}
}

// opsMux routes the operational endpoints: liveness and Prometheus metrics.
func opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// serveOps serves srv on ln until ctx is cancelled, then shuts it down
// gracefully. TLS is enabled when both certFile and keyFile are set.
func serveOps(ctx context.Context, srv *http.Server, ln net.Listener, certFile, keyFile string) error {
	if (certFile == "") != (keyFile == "") {
		ln.Close()
		return fmt.Errorf("ops TLS requires both a certificate and a key")
	}

	serveErr := make(chan error, 1)
	go func() {
		if certFile != "" {
			serveErr <- srv.ServeTLS(ln, certFile, keyFile)
		} else {
			serveErr <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type publisherSettings struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	MasterName string
	TLS        events.RedisTLSConfig
}

func (s publisherSettings) enabled() bool {
	return s.Addr != "" || len(s.Addrs) > 0
}

func resolvePublisher(settings publisherSettings) (events.Publisher, error) {
	if !settings.enabled() {
		return events.NoopPublisher{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return events.NewRedisPublisher(ctx, events.RedisConfig{
		Addr:       settings.Addr,
		Addrs:      settings.Addrs,
		Username:   settings.Username,
		Password:   settings.Password,
		Stream:     settings.Stream,
		MasterName: settings.MasterName,
		TLS:        settings.TLS,
	})
}

func resolveStoreDriver(flagValue, envValue string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagValue, envValue, "json")))
	switch driver {
	case "json", "sqlite", "postgres":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string, logger *slog.Logger) int {
	if flagValue != 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envKey))
	if env == "" {
		return 0
	}
	value, err := strconv.Atoi(env)
	if err != nil {
		logger.Warn("invalid integer environment value", "key", envKey, "value", env, "error", err)
		return 0
	}
	return value
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration, logger *slog.Logger) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envKey))
	if env == "" {
		return fallback
	}
	value, err := time.ParseDuration(env)
	if err != nil {
		logger.Warn("invalid duration environment value", "key", envKey, "value", env, "error", err)
		return fallback
	}
	return value
}

func resolveBool(flagValue bool, envKey string, logger *slog.Logger) bool {
	if flagValue {
		return true
	}
	env := strings.TrimSpace(os.Getenv(envKey))
	if env == "" {
		return false
	}
	value, err := strconv.ParseBool(env)
	if err != nil {
		logger.Warn("invalid boolean environment value", "key", envKey, "value", env, "error", err)
		return false
	}
	return value
}
