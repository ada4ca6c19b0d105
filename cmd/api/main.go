package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stash/api/internal/app"
	"stash/api/internal/authz"
	"stash/api/internal/blob"
	"stash/api/internal/config"
	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/meta"
	"stash/api/internal/search"
	"stash/api/internal/session"
	"stash/api/internal/store"
	"stash/api/internal/tasks"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database_connection_failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal("migrations_failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db,
		store.UserSchema(),
		store.WorkspaceSchema(),
		store.TagSchema(),
		store.ItemSchema(),
	)

	// Each engine gets its collection handle explicitly; nothing is
	// looked up by name at runtime.
	users := engine.New(dataStore.Collection(store.TypeUser), log)
	workspaces := engine.New(dataStore.Collection(store.TypeWorkspace), log)
	tags := engine.New(dataStore.Collection(store.TypeTag), log)
	items := engine.New(dataStore.Collection(store.TypeItem), log)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal("redis_connection_failed", zap.Error(err))
	}
	defer sessions.Close()

	storage, err := blob.NewMinioStorage(ctx, blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		SignTTL:   cfg.SignedURLTTL,
	})
	if err != nil {
		log.Fatal("object_storage_failed", zap.Error(err))
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	runner := tasks.NewRunner(log)
	searchService := search.NewService(meiliClient, items, runner, log)

	pipeline := meta.NewPipeline(items, storage, meta.Config{
		PageTimeout:  cfg.PageFetchTimeout,
		ImageTimeout: cfg.ImageFetchTimeout,
		Screenshots:  cfg.ScreenshotEnabled,
	}, log)

	service := app.NewService(app.Deps{
		Users:      users,
		Workspaces: workspaces,
		Tags:       tags,
		Items:      items,
		Authority:  authz.New(workspaces, tags, items),
		Sessions:   sessions,
		Storage:    storage,
		Pipeline:   pipeline,
		Runner:     runner,
		Search:     searchService,
		DB:         dataStore,
		JWTSecret:  []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		Log:        log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api_listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server_failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown_error", zap.Error(err))
	}
	runner.Wait()
}
