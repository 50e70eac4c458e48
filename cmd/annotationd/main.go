package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/app"
	"cellucid/annotation/internal/archive"
	"cellucid/annotation/internal/changefeed"
	"cellucid/annotation/internal/config"
	"cellucid/annotation/internal/export"
	"cellucid/annotation/internal/gitrepo"
	"cellucid/annotation/internal/logger"
	"cellucid/annotation/internal/search"
	"cellucid/annotation/internal/session"
	"cellucid/annotation/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := annotation.New(
		annotation.WithLogger(log.Named("engine")),
		annotation.WithDefaultSettings(annotation.Settings{
			MinVoters:          cfg.MinVoters,
			ConsensusThreshold: cfg.ConsensusThreshold,
			DisputeThreshold:   cfg.DisputeThreshold,
		}),
	)
	deps := app.Deps{Logger: log.Named("app")}

	var pg *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		if len(applied) > 0 {
			log.Info("applied migrations", zap.Strings("versions", applied))
		}
		pg = store.NewPostgresStore(db)
		deps.Store = pg
	} else {
		log.Warn("DATABASE_URL is empty, snapshots and audit entries are not stored")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal("failed to create repos dir", zap.Error(err))
	}
	deps.Git = gitrepo.New(cfg.ReposDir)

	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		deps.Revocations = session.NewRedisStoreWithClient(client)
		deps.Feed = changefeed.New(client, cfg.DatasetID, log.Named("changefeed"))
		log.Info("using redis for token revocation and the change feed")
	case pg != nil:
		deps.Revocations = pg
		go purgeRevocations(ctx, pg, log)
		log.Info("using postgres for token revocation")
	default:
		deps.Revocations = session.NewMemoryStore()
		log.Info("using in-memory token revocation")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.DatasetID, log.Named("search"))
		defer meili.Close()
	}
	deps.Search = search.NewService(meili, search.NewMemory(search.EngineSource(cfg.DatasetID, engine)), log.Named("search"))

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log.Named("archive"))
		if err != nil {
			log.Fatal("object storage setup failed", zap.Error(err))
		}
		deps.Archive = objects
	}

	deps.Exporter = export.NewService(engine, cfg.DatasetID)

	service := app.New(cfg, engine, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream sets per-write deadlines.
	}

	go func() {
		log.Info("annotation service listening", zap.String("addr", cfg.Addr), zap.String("dataset", cfg.DatasetID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
}

func purgeRevocations(ctx context.Context, pg *store.PostgresStore, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := pg.PurgeExpiredRevocations(ctx)
			if err != nil {
				log.Warn("purge expired revocations", zap.Error(err))
				continue
			}
			if purged > 0 {
				log.Info("purged expired revocations", zap.Int64("count", purged))
			}
		}
	}
}
