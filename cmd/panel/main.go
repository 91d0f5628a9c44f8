package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"adspanel/internal/accounts"
	"adspanel/internal/auth"
	"adspanel/internal/catalog"
	"adspanel/internal/db"
	"adspanel/internal/history"
	"adspanel/internal/live"
	"adspanel/internal/panel"
	pgdb "adspanel/pkg/db"
	"adspanel/pkg/logger"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		bootLog := logger.New("info", "console")
		bootLog.Fatal().Err(err).Msg("invalid config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgdb.Connect(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer pool.Close()
	if err := pgdb.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("postgres schema")
	}

	session, err := db.Connect(ctx, cfg.Scylla, log)
	if err != nil {
		log.Fatal().Err(err).Msg("scylla connect")
	}
	defer session.Close()

	loc, err := history.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.Timezone).Msg("display timezone")
	}

	broker := openBroker(cfg, pool, log)
	announcer := live.NewAnnouncer(broker, cfg.Channel, log)

	bucket, err := openBucket(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.BucketBackend).Msg("video bucket")
	}

	users := accounts.NewService(accounts.NewPGStore(pool), announcer, log)
	videos := catalog.NewService(bucket, catalog.NewPGStore(pool), announcer, log)
	logins := history.NewService(
		history.NewScyllaStore(session, cfg.Scylla.Keyspace, loc),
		announcer,
		history.NewPresenter(loc, cfg.OfflineAfter),
		log,
	)

	if err := ensureAdmin(ctx, users, cfg.AdminUser, cfg.AdminPass); err != nil {
		log.Fatal().Err(err).Msg("admin bootstrap")
	}

	hub := panel.NewHub(broker, panel.Sources{
		Videos:  videos.List,
		Users:   users.List,
		History: logins.Rows,
	}, panel.Options{
		Channel:  cfg.Channel,
		Debounce: cfg.Debounce,
		Settle:   cfg.Settle,
		Retry:    cfg.Retry,
	}, log)

	sweeper, err := panel.NewSweeper(hub, cfg.SweepSpec, log)
	if err != nil {
		log.Fatal().Err(err).Msg("sweeper")
	}
	sweeper.Start()

	srv := &server{
		videos:    videos,
		users:     users,
		history:   logins,
		tokens:    auth.NewService(cfg.AppSecret, cfg.SessionTTL),
		live:      hub,
		apiToken:  cfg.APIToken,
		maxUpload: cfg.MaxUpload,
		log:       log,
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("backend", cfg.BucketBackend).Msg("panel listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	sweeper.Stop()
	hub.Shutdown()
}

type liveBroker interface {
	live.Broker
	live.Publisher
}

// openBroker picks LISTEN/NOTIFY or, for a single instance, in-process fan-out.
func openBroker(cfg config, pool *pgxpool.Pool, log zerolog.Logger) liveBroker {
	if cfg.Broker == "memory" {
		log.Info().Msg("live updates stay in process")
		return live.NewMemoryBroker()
	}
	return live.NewPGBroker(pool, log)
}

func openBucket(ctx context.Context, cfg config) (catalog.Bucket, error) {
	if cfg.BucketBackend == "s3" {
		return catalog.NewS3Bucket(ctx, cfg.S3)
	}
	return catalog.NewLocalBucket(cfg.BucketDir)
}

type adminCreator interface {
	Create(ctx context.Context, req accounts.NewUser) (accounts.User, error)
}

// ensureAdmin creates the bootstrap admin account once; an existing one is left alone.
func ensureAdmin(ctx context.Context, users adminCreator, name, password string) error {
	if name == "" || password == "" {
		return nil
	}
	_, err := users.Create(ctx, accounts.NewUser{
		UserName: name,
		Password: password,
		Role:     string(accounts.RoleAdmin),
	})
	if errors.Is(err, accounts.ErrUserExists) {
		return nil
	}
	return err
}
