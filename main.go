package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"manabilling/internal/config"
	"manabilling/internal/db"
	"manabilling/internal/email"
	httpapi "manabilling/internal/http"
	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/notify"
	"manabilling/internal/ratelimit"
	"manabilling/internal/services"
	"manabilling/internal/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("load .env failed")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("stat .env failed")
	}

	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st     store.Store
		health func(context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store; data is lost on restart")
		mem := store.NewMemory()
		if cfg.StoreSeedFile == "" {
			log.Warn().Msg("STORE_SEED_FILE not set; the memory store starts with no users")
		} else if err := seedMemory(mem, cfg.StoreSeedFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.StoreSeedFile).Msg("seed memory store failed")
		}
		st = mem
	default:
		if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("migrate failed")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect failed")
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		health = pool.Ping
	}

	// 未配置 Stripe 时账本相关接口返回 503
	var lc ledger.Client
	if cfg.StripeConfigured() {
		lc = ledger.NewStripe(cfg.StripeSecretKey)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; billing operations are disabled")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable; rate limits fail open until it recovers")
		}
	} else {
		log.Warn().Msg("REDIS_URL not set; rate limiting disabled")
	}
	limiter := ratelimit.New(nil, "manabilling", nil)
	if rdb != nil {
		limiter = ratelimit.New(rdb, "manabilling", ratelimit.DefaultLimits(cfg.GiftDailyLimit))
	}

	dispatcher := notify.NewDispatcher(email.NewResendClient(cfg.ResendAPIKey), cfg.EmailFrom, cfg.NotifyTimeout())
	svc := services.New(st, lc, dispatcher, cfg)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.GiftSweepSchedule, func() {
		n, err := svc.ExpireOverdueGifts(ctx)
		if err != nil {
			log.Error().Err(err).Msg("gift sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("expired", n).Msg("gift sweep")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.GiftSweepSchedule).Msg("invalid GIFT_SWEEP_SCHEDULE")
	}
	sweeper.Start()

	server := httpapi.NewServer(svc, limiter, cfg).WithHealthCheck(health)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	<-sweeper.Stop().Done()
	dispatcher.Wait()
}

func seedMemory(mem *store.Memory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := mem.LoadSeed(f)
	if err != nil {
		return err
	}
	log.Info().Int("users", n).Str("file", path).Msg("memory store seeded")
	return nil
}
