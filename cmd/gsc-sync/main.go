package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/0xFlo/prism-sub001/pkg/auth"
	"github.com/0xFlo/prism-sub001/pkg/batch"
	"github.com/0xFlo/prism-sub001/pkg/coordinator"
	"github.com/0xFlo/prism-sub001/pkg/deadletter"
	"github.com/0xFlo/prism-sub001/pkg/gsc"
	"github.com/0xFlo/prism-sub001/pkg/logging"
	"github.com/0xFlo/prism-sub001/pkg/progress"
	"github.com/0xFlo/prism-sub001/pkg/ratelimit"
	"github.com/0xFlo/prism-sub001/pkg/status"
	"github.com/0xFlo/prism-sub001/pkg/writer"
)

func main() {
	// Configuration from environment
	account := getEnv("GSC_ACCOUNT", "")
	site := getEnv("GSC_SITE", "")
	startDate := getEnv("GSC_START_DATE", defaultDate(-3))
	endDate := getEnv("GSC_END_DATE", defaultDate(-1))
	credentialsDir := getEnv("GSC_CREDENTIALS_DIR", "./credentials")
	apiURL := getEnv("GSC_API_URL", "https://www.googleapis.com/batch")
	apiVersion := getEnv("GSC_API_VERSION", "webmasters/v3")
	dbPath := getEnv("GSC_DB_PATH", "gsc.db")
	redisURL := getEnv("REDIS_URL", "")
	kafkaBroker := getEnv("KAFKA_BROKER", "")
	kafkaTopic := getEnv("KAFKA_TOPIC", "gsc-dead-letters")
	metricsPort := getEnv("METRICS_PORT", "")

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	if account == "" || site == "" {
		logger.Fatal().Msg("GSC_ACCOUNT and GSC_SITE are required")
	}

	dates, err := gsc.DateRange(startDate, endDate)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid date range")
	}

	if metricsPort != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+metricsPort, nil); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("port", metricsPort).Msg("Metrics endpoint started")
	}

	// Credentials and batch transport
	tokens := auth.NewManager(auth.DefaultConfig(), auth.NewFileSource(credentialsDir), logging.NewLogger("auth"))
	defer tokens.Close()

	exec := batch.NewExecutor(batch.DefaultConfig(apiURL, apiVersion), tokens, logging.NewLogger("batch"))
	limiter := ratelimit.New(ratelimit.DefaultQuota, ratelimit.DefaultWindow, logging.NewLogger("ratelimit"))

	// Row storage
	rowWriter, err := writer.NewSQLiteWriter(dbPath, logging.NewLogger("writer"))
	if err != nil {
		logger.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open row database")
	}
	defer rowWriter.Close()

	deps := gsc.Deps{
		Executor: exec,
		Limiter:  limiter,
		Writer:   rowWriter.Bind(account, site),
		Progress: progress.NewLogReporter(logging.NewLogger("progress")),
	}

	// Optional Redis: run status plus the default dead letter sink
	ctx := context.Background()
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		deps.Status = status.NewRedisStore(redisClient, "", 0)
		deps.DeadLetter = deadletter.NewRedisSink(redisClient, "")
		logger.Info().Str("addr", redisURL).Msg("Connected to Redis")
	} else {
		deps.Status = status.NewMemoryStore()
		deps.DeadLetter = deadletter.NewMemorySink()
	}

	// Optional Kafka dead letter topic overrides the Redis sink
	if kafkaBroker != "" {
		kafkaSink := deadletter.NewKafkaSink(kafkaBroker, kafkaTopic)
		defer kafkaSink.Close()
		deps.DeadLetter = kafkaSink
		logger.Info().Str("broker", kafkaBroker).Str("topic", kafkaTopic).Msg("Dead letters go to Kafka")
	}

	cfg := gsc.DefaultConfig(account, site)
	cfg.PageSize = getEnvInt("GSC_PAGE_SIZE", cfg.PageSize)
	cfg.Workers = getEnvInt("GSC_WORKERS", cfg.Workers)
	cfg.BatchSize = getEnvInt("GSC_BATCH_SIZE", cfg.BatchSize)
	cfg.TopK = getEnvInt("GSC_TOP_K", 0)

	svc, err := gsc.NewService(cfg, deps, logging.NewLogger("gsc"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create sync service")
	}

	logger.Info().
		Str("site", site).
		Str("start", startDate).
		Str("end", endDate).
		Int("dates", len(dates)).
		Msg("Starting sync")

	summary, err := svc.Sync(ctx, dates)
	if err != nil {
		logger.Fatal().Err(err).Msg("Sync failed")
	}

	if summary.Status != coordinator.StatusOK {
		logger.Error().
			Stringer("status", summary.Status).
			Stringer("reason", summary.Reason).
			Msg("Sync did not complete")
		os.Exit(1)
	}
}

// defaultDate returns today shifted by days, formatted for the API.
func defaultDate(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
