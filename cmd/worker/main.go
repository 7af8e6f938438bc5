package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/cargoline/logistics-backend/internal/config"
	"github.com/cargoline/logistics-backend/internal/email"
	"github.com/cargoline/logistics-backend/internal/pkg/distlock"
	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}
	log := logger.With("worker-main")

	db, err := openDatabase(cfg)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := openRedis(cfg, log)
	if rdb != nil {
		defer rdb.Close()
	}

	store := email.NewPostgresStore(db)
	registry := email.NewUnsubscribeRegistry(db, rdb)
	providers := buildProviders(cfg)
	retry := email.NewRetryPolicy(cfg.Email.MaxRetries, cfg.Email.RetryDelay())

	if rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := registry.WarmCache(ctx); err != nil {
			log.Warn("opt-out cache warmup failed", "error", err)
		}
		cancel()
	}

	pool := email.NewWorkerPool(store, providers, retry, email.WorkerPoolConfig{
		Workers:      cfg.Email.WorkerCount,
		BatchSize:    cfg.Email.BatchSize,
		LockTimeout:  cfg.Email.LockTimeout(),
		RecoveryLock: distlock.New(rdb, db, "email:recovery", cfg.Email.LockTimeout()),
	})
	pool.Start()
	log.Info("worker pool running", "workers", cfg.Email.WorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("draining worker pool")
	pool.Stop()
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(cfg *config.Config, log *logger.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		log.Warn("redis not configured, rate limiting and opt-out cache are process-local")
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("invalid redis url", "error", err)
		return nil
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, continuing without it", "error", err)
		rdb.Close()
		return nil
	}
	return rdb
}

func buildProviders(cfg *config.Config) *email.ProviderRegistry {
	log := logger.With("providers")
	providers := email.NewProviderRegistry(cfg.Email.Provider)

	if cfg.Email.SendGrid.APIKey != "" {
		providers.Register(email.NewSendGridAdapter(cfg.Email.SendGrid.APIKey, cfg.Email.SendGrid.WebhookSecret))
		log.Info("registered adapter", "provider", "sendgrid")
	}
	if cfg.Email.Mailgun.APIKey != "" {
		providers.Register(email.NewMailgunAdapter(cfg.Email.Mailgun.APIKey, cfg.Email.Mailgun.Domain, cfg.Email.Mailgun.WebhookSecret))
		log.Info("registered adapter", "provider", "mailgun")
	}
	if cfg.Email.SES.AccessKey != "" {
		adapter, err := email.NewSESAdapter(cfg.Email.SES.AccessKey, cfg.Email.SES.SecretKey, cfg.Email.SES.Region, cfg.Email.SES.WebhookSecret)
		if err != nil {
			log.Error("ses adapter init failed", "error", err)
		} else {
			providers.Register(adapter)
			log.Info("registered adapter", "provider", "ses")
		}
	}
	if cfg.Email.SMTP.Host != "" {
		providers.Register(email.NewSMTPAdapter(cfg.Email.SMTP.Host, cfg.Email.SMTP.Port, cfg.Email.SMTP.Username, cfg.Email.SMTP.Password))
		log.Info("registered adapter", "provider", "smtp")
	}
	return providers
}
