package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/cartnet/compensation/api/config"
	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/lock"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/server"
	"github.com/cartnet/compensation/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json (or set LOG_FORMAT env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during shutdown")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma separated CORS origins (or set ALLOWED_ORIGINS env var)")

	// Redis lease store for the job loops; in-process leases when unset.
	redisAddrFlag := flag.String("redis-addr", "", "Redis address for job leases (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	redisDBFlag := flag.Int("redis-db", 0, "Redis database number (or set REDIS_DB env var)")

	// Alerting
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming webhook for alerts (or set SLACK_WEBHOOK_URL env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel override for alerts (or set SLACK_CHANNEL env var)")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for alerts (or set SENTRY_DSN env var)")
	environmentFlag := flag.String("environment", "development", "deployment environment (or set ENVIRONMENT env var)")

	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		*logFormatFlag = v
	}
	log := logger.NewWithFormat(os.Stdout, logger.ParseFormat(*logFormatFlag), *verboseFlag)

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddrFlag = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		*redisPasswordFlag = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		*redisDBFlag = db
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		*slackWebhookFlag = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		*slackChannelFlag = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		*environmentFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	settings, err := engine.LoadSettingsFromEnv()
	if err != nil {
		return err
	}

	pool, err := config.LoadPostgres(ctx, log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer config.ClosePostgres()

	var locker lock.Locker
	if *redisAddrFlag != "" {
		rdb, err := lock.ConnectRedis(ctx, *redisAddrFlag, *redisPasswordFlag, *redisDBFlag)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "compensation:")
		log.Info("redis: job leases enabled", "address", *redisAddrFlag)
	}

	alerters := alert.Multi{alert.Log{Logger: log}}
	if *slackWebhookFlag != "" {
		s, err := alert.NewSlack(alert.SlackConfig{WebhookURL: *slackWebhookFlag, Channel: *slackChannelFlag})
		if err != nil {
			return err
		}
		alerters = append(alerters, s)
	}
	if *sentryDSNFlag != "" {
		s, err := alert.NewSentry(alert.SentryConfig{DSN: *sentryDSNFlag, Environment: *environmentFlag, Release: version})
		if err != nil {
			return err
		}
		defer s.Flush(2 * time.Second)
		alerters = append(alerters, s)
	}

	eng, err := engine.New(engine.Config{
		Logger:   log,
		Pool:     pool,
		Alerter:  alerters,
		Locker:   locker,
		Settings: settings,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var origins []string
	for o := range strings.SplitSeq(*allowedOriginsFlag, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  origins,
		Engine:          eng,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("engine: starting", "version", version, "commit", commit, "environment", *environmentFlag)
	return srv.Run(ctx)
}
