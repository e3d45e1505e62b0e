// Command server starts the relaycast orchestration API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"relaycast/internal/api"
	"relaycast/internal/bus"
	"relaycast/internal/keystore"
	"relaycast/internal/networks"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/orchestrator"
	"relaycast/internal/permissions"
	"relaycast/internal/redisutil"
	"relaycast/internal/server"
	"relaycast/internal/status"
	"relaycast/internal/storage"
	"relaycast/internal/webhook"
)

const envPrefix = "RELAYCAST_"

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	datastore := flag.String("datastore", "", "datastore driver (json or postgres)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	keystoreSecret := flag.String("keystore-secret", "", "secret used to encrypt account keystores at rest")
	keystoreSalt := flag.String("keystore-salt", "", "salt for keystore key derivation")
	statusDriver := flag.String("status-driver", "", "status store driver (memory or redis)")
	statusTTL := flag.Duration("status-ttl", 0, "expiry applied to status records in Redis")
	busDriver := flag.String("bus-driver", "", "message bus driver (memory or redis)")
	busStream := flag.String("bus-stream", "", "Redis stream receiving bus messages")
	busMaxLen := flag.Int("bus-max-len", 0, "approximate maximum length of the Redis bus stream")
	redisAddr := flag.String("redis-addr", "", "Redis address for the status store, bus and rate limiter")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database number")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	networksPath := flag.String("networks", "", "path to the YAML network registry")
	adapterTimeout := flag.Duration("adapter-timeout", 0, "HTTP timeout for network adapter calls")
	ingestToken := flag.String("ingest-token", "", "shared token required on ingest callbacks")
	identityHeader := flag.String("identity-header", "", "header carrying the authenticated requester id")
	worker := flag.String("worker", "", "media worker advertised on process messages")
	repushDelay := flag.Duration("repush-delay", 0, "delay workers wait before re-pushing after a reconnect")
	operationTimeout := flag.Duration("operation-timeout", 0, "upper bound for one lifecycle operation")
	staleAfter := flag.Duration("stale-after", 0, "age after which an unrefreshed ingest is expired")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between stale status sweeps")
	webhookTimeout := flag.Duration("webhook-timeout", 0, "timeout for a single webhook delivery")
	webhookConcurrency := flag.Int("webhook-concurrency", 0, "maximum concurrent webhook deliveries per event")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	controlLimit := flag.Int("rate-control-limit", 0, "maximum control requests per window for a single operator")
	controlWindow := flag.Duration("rate-control-window", 0, "window for counting control requests")
	rateRedis := flag.Bool("rate-redis", false, "share control rate limit counters through Redis")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, env("LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	fail := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	listenAddr := firstNonEmpty(*addr, env("ADDR"), ":8080")

	redisCfg := redisutil.Config{
		Addr:         firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, env("REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, env("REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
		DB:           resolveInt(*redisDB, envKey("REDIS_DB")),
		MasterName:   firstNonEmpty(*redisMasterName, env("REDIS_MASTER_NAME")),
		PoolSize:     resolveInt(*redisPoolSize, envKey("REDIS_POOL_SIZE")),
		DialTimeout:  resolveDuration(*redisTimeout, envKey("REDIS_TIMEOUT"), 2*time.Second),
		ReadTimeout:  resolveDuration(*redisTimeout, envKey("REDIS_TIMEOUT"), 2*time.Second),
		WriteTimeout: resolveDuration(*redisTimeout, envKey("REDIS_TIMEOUT"), 2*time.Second),
		TLS: redisutil.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, env("REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, env("REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, env("REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, env("REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, envKey("REDIS_TLS_SKIP_VERIFY")),
		},
	}

	// Datastore.
	var options []storage.Option
	if secret := firstNonEmpty(*keystoreSecret, env("KEYSTORE_SECRET")); secret != "" {
		sealer, err := keystore.NewSealer(secret, []byte(firstNonEmpty(*keystoreSalt, env("KEYSTORE_SALT"))))
		if err != nil {
			fail("failed to configure keystore encryption", err)
		}
		options = append(options, storage.WithSealer(sealer))
	} else {
		logger.Warn("keystore encryption disabled; set --keystore-secret to encrypt account credentials")
	}

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveDatastoreDriver(*datastore, env("DATASTORE"), dsn)
	if err != nil {
		fail("failed to resolve datastore driver", err)
	}
	dataFile := resolveDataPath(*dataPath, env("DATA"))

	var repo storage.Repository
	switch driver {
	case "json":
		repo, err = storage.NewJSONRepository(dataFile, options...)
	case "postgres":
		pgOptions := append([]storage.Option(nil), options...)
		maxConns := resolveInt(*postgresMaxConns, envKey("POSTGRES_MAX_CONNS"))
		minConns := resolveInt(*postgresMinConns, envKey("POSTGRES_MIN_CONNS"))
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, envKey("POSTGRES_MAX_CONN_LIFETIME"), 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, envKey("POSTGRES_MAX_CONN_IDLE"), 0)
		healthInterval := resolveDuration(*postgresHealthInterval, envKey("POSTGRES_HEALTH_INTERVAL"), 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquire := resolveDuration(*postgresAcquireTimeout, envKey("POSTGRES_ACQUIRE_TIMEOUT"), 0); acquire > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquire))
		}
		if appName := firstNonEmpty(*postgresAppName, env("POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		repo, err = storage.NewPostgresRepository(dsn, pgOptions...)
	}
	if err != nil {
		fail("failed to open datastore", err)
	}

	// Shared Redis client, opened only when a component asks for it.
	statusDriverName, err := resolveDriver("status store", *statusDriver, env("STATUS_DRIVER"))
	if err != nil {
		fail("failed to resolve status store driver", err)
	}
	busDriverName, err := resolveDriver("bus", *busDriver, env("BUS_DRIVER"))
	if err != nil {
		fail("failed to resolve bus driver", err)
	}
	useRateRedis := resolveBool(*rateRedis, envKey("RATE_REDIS"))

	var redisClient redis.UniversalClient
	if statusDriverName == "redis" || busDriverName == "redis" || useRateRedis {
		redisClient, err = redisutil.NewClient(redisCfg)
		if err != nil {
			fail("failed to configure redis", err)
		}
	}

	var statusStore status.Store
	switch statusDriverName {
	case "memory":
		statusStore = status.NewMemoryStore()
	case "redis":
		statusStore, err = status.NewRedisStore(status.RedisStoreConfig{
			Client: redisClient,
			TTL:    resolveDuration(*statusTTL, envKey("STATUS_TTL"), 0),
		})
		if err != nil {
			fail("failed to configure status store", err)
		}
	}

	var (
		publisher bus.Publisher
		busPing   func(context.Context) error
	)
	switch busDriverName {
	case "memory":
		memoryBus := bus.NewMemoryBus(256)
		publisher, busPing = memoryBus, memoryBus.Ping
	case "redis":
		redisBus, err := bus.NewRedisBus(bus.RedisBusConfig{
			Client: redisClient,
			Stream: firstNonEmpty(*busStream, env("BUS_STREAM")),
			MaxLen: int64(resolveInt(*busMaxLen, envKey("BUS_MAX_LEN"))),
		})
		if err != nil {
			fail("failed to configure bus", err)
		}
		publisher, busPing = redisBus, redisBus.Ping
	}

	// Network registry.
	networkCfg := networks.DefaultConfig()
	if path := firstNonEmpty(*networksPath, env("NETWORKS")); path != "" {
		networkCfg, err = networks.LoadFile(path)
		if err != nil {
			fail("failed to load network registry", err)
		}
	}
	registry, err := networks.Build(networkCfg, networks.BuildOptions{
		Client: &http.Client{Timeout: resolveDuration(*adapterTimeout, envKey("ADAPTER_TIMEOUT"), 10*time.Second)},
		Logger: logging.WithComponent(logger, "networks"),
	})
	if err != nil {
		fail("failed to build network registry", err)
	}

	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		Source:      repo,
		Timeout:     resolveDuration(*webhookTimeout, envKey("WEBHOOK_TIMEOUT"), 0),
		Concurrency: resolveInt(*webhookConcurrency, envKey("WEBHOOK_CONCURRENCY")),
		Logger:      logging.WithComponent(logger, "webhooks"),
		Metrics:     recorder,
	})
	if err != nil {
		fail("failed to configure webhooks", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Repository:       repo,
		Status:           statusStore,
		Networks:         registry,
		Permissions:      permissions.NewResolver(repo, registry.AllowSharing),
		Bus:              publisher,
		Webhooks:         dispatcher,
		Logger:           logging.WithComponent(logger, "orchestrator"),
		Metrics:          recorder,
		Worker:           firstNonEmpty(*worker, env("WORKER")),
		RepushDelay:      resolveDuration(*repushDelay, envKey("REPUSH_DELAY"), 0),
		OperationTimeout: resolveDuration(*operationTimeout, envKey("OPERATION_TIMEOUT"), 0),
		StaleAfter:       resolveDuration(*staleAfter, envKey("STALE_AFTER"), 0),
	})
	if err != nil {
		fail("failed to configure orchestrator", err)
	}

	identity := firstNonEmpty(*identityHeader, env("IDENTITY_HEADER"), api.DefaultIdentityHeader)
	handler, err := api.NewHandler(api.Config{
		Lifecycle:      orch,
		Networks:       registry,
		IngestToken:    firstNonEmpty(*ingestToken, env("INGEST_TOKEN")),
		IdentityHeader: identity,
		Checks: []api.HealthCheck{
			{Name: "datastore", Ping: repo.Ping},
			{Name: "status", Ping: statusStore.Ping},
			{Name: "bus", Ping: busPing},
		},
		Logger:  logging.WithComponent(logger, "api"),
		Metrics: recorder,
	})
	if err != nil {
		fail("failed to configure api", err)
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, envKey("RATE_GLOBAL_RPS")),
		GlobalBurst:   resolveInt(*globalBurst, envKey("RATE_GLOBAL_BURST")),
		ControlLimit:  resolveInt(*controlLimit, envKey("RATE_CONTROL_LIMIT")),
		ControlWindow: resolveDuration(*controlWindow, envKey("RATE_CONTROL_WINDOW"), time.Minute),
	}
	if useRateRedis {
		rateCfg.Redis = redisClient
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, env("TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, env("TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:            listenAddr,
		TLS:             tlsCfg,
		RateLimit:       rateCfg,
		Logger:          logger,
		AuditLogger:     auditLogger,
		Metrics:         recorder,
		IdentityHeader:  identity,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, envKey("SHUTDOWN_TIMEOUT"), server.DefaultShutdownTimeout),
	})
	if err != nil {
		fail("failed to initialise server", err)
	}

	summary := newStartupSummary(startupSummaryInput{
		Datastore:    driver,
		DataPath:     dataFile,
		PostgresDSN:  dsn,
		StatusDriver: statusDriverName,
		BusDriver:    busDriverName,
		Redis:        redisCfg,
		RateLimit:    rateCfg,
		Networks:     registry.Names(),
		IngestToken:  firstNonEmpty(*ingestToken, env("INGEST_TOKEN")) != "",
	})
	logger.Info("relaycast configuration", summary.LogArgs()...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := startStatusSweepWorker(workerCtx, logging.WithComponent(logger, "status-sweeper"), orch,
		resolveDuration(*sweepInterval, envKey("SWEEP_INTERVAL"), time.Minute))
	defer sweepStop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("metrics endpoint available", "path", "/metrics")
	runErr := srv.Run(ctx, nil)
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	} else {
		logger.Info("received shutdown signal")
	}

	workerCancel()
	sweepStop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dispatcher.Wait()
	if err := repo.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

func env(name string) string {
	return os.Getenv(envKey(name))
}

func envKey(name string) string {
	return envPrefix + name
}

func resolveDatastoreDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if postgresDSN != "" {
			return "postgres", nil
		}
		return "json", nil
	}
	switch driver {
	case "json":
		return driver, nil
	case "postgres":
		if postgresDSN == "" {
			return "", fmt.Errorf("postgres datastore selected without DSN; set --postgres-dsn or %sPOSTGRES_DSN", envPrefix)
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported datastore driver %q", driver)
	}
}

func resolveDriver(component, flagValue, envValue string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue, "memory"))
	switch driver {
	case "memory", "redis":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported %s driver %q", component, driver)
	}
}

func resolveDataPath(flagValue, envValue string) string {
	return firstNonEmpty(flagValue, envValue, "data/relaycast.json")
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
