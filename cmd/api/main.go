package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"studiodesk/api/internal/app"
	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/config"
	"studiodesk/api/internal/email"
	"studiodesk/api/internal/insight"
	"studiodesk/api/internal/prefs"
	"studiodesk/api/internal/realtime"
	"studiodesk/api/internal/search"
	"studiodesk/api/internal/session"
	"studiodesk/api/internal/storage"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/workspace"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var service *app.Service
	if !cfg.BackendConfigured() {
		log.Printf("WARNING: DATABASE_URL is not set; only health routes will answer")
		service = app.New(cfg, app.Deps{})
	} else {
		var cleanup func()
		service, cleanup = wire(ctx, cfg)
		defer cleanup()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Studiodesk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// wire connects every backing service. Optional integrations that are not
// configured are left out and their features degrade.
func wire(ctx context.Context, cfg config.Config) (*app.Service, func()) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	closers = append(closers, func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	hub := realtime.NewHub()
	go realtime.NewListener(cfg.DatabaseURL, hub).Run(ctx)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		closers = append(closers, meiliClient.Close)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	go searchService.ReindexAllFromPG(ctx)

	deps := workspace.Deps{
		Backend:  dataStore,
		Feed:     hub,
		Presence: realtime.NewPresence(redisClient, cfg.PresenceTTL),
		Prefs:    prefs.NewRedisStore(redisClient),
		Search:   searchService,
	}

	storageCfg := storage.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
	}
	if storageCfg.Configured() {
		uploader, err := storage.NewUploader(ctx, storageCfg)
		if err != nil {
			log.Printf("WARNING: object storage unavailable, uploads disabled: %v", err)
		} else {
			deps.Uploader = uploader
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if mailer.IsConfigured() {
		deps.Inviter = mailer
	} else {
		log.Printf("SMTP not configured; invitations will not be sent")
	}

	insightCfg := insight.Config{URL: cfg.InsightURL, APIKey: cfg.InsightAPIKey, Model: cfg.InsightModel}
	if insightCfg.Configured() {
		deps.Insight = insight.NewClient(insightCfg)
	}

	ws := workspace.New(deps, workspace.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RefetchDebounce:   cfg.RefetchDebounce,
		NotificationTTL:   cfg.NotificationTTL,
	})
	closers = append(closers, ws.Close)

	service := app.New(cfg, app.Deps{
		Workspace: ws,
		Accounts:  authpw.NewService(dataStore),
		Sessions:  session.NewRedisStoreWithClient(redisClient),
		Search:    searchService,
		DB:        dataStore,
	})
	return service, cleanup
}
