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

	"docdraft/internal/app"
	"docdraft/internal/branchcache"
	"docdraft/internal/config"
	"docdraft/internal/gitrepo"
	"docdraft/internal/published"
	"docdraft/internal/session"
	"docdraft/internal/store"
)

// postgresBackend pairs the sessions table with its LISTEN/NOTIFY feed.
type postgresBackend struct {
	*store.PostgresStore
	*store.Listener
}

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var sessionStore app.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis session store")
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.LeaseTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
	} else {
		log.Printf("Using PostgreSQL session store")
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		listener := store.NewListener(cfg.DatabaseURL)
		go listener.Run(ctx)
		sessionStore = postgresBackend{
			PostgresStore: store.NewPostgresStore(db, cfg.LeaseTTL),
			Listener:      listener,
		}
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		log.Fatalf("failed to create cache dir: %v", err)
	}
	caches, err := branchcache.OpenDB(cfg.CacheDir)
	if err != nil {
		log.Fatalf("branch cache failed: %v", err)
	}
	defer caches.Close()

	service := app.New(cfg, sessionStore, caches, publishedSources(cfg))

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("docdraft API listening on %s", cfg.Addr)
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
	// Release every lease we still hold so other clients need not wait
	// for the TTL.
	service.CloseAll(shutdownCtx)
	stop()
}

// publishedSources chains the configured published copies: filesystem
// first, then the git repository, then object storage.
func publishedSources(cfg config.Config) *published.Chain {
	var sources []published.Source
	if strings.TrimSpace(cfg.PublishedDir) != "" {
		sources = append(sources, published.NewDirSource(cfg.PublishedDir))
	}
	if strings.TrimSpace(cfg.PublishedRepo) != "" {
		sources = append(sources, gitrepo.New(cfg.PublishedRepo, cfg.PublishedBranch))
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" && strings.TrimSpace(cfg.MinioBucket) != "" {
		minioSource, err := published.NewMinioSource(published.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: minio published source disabled: %v", err)
		} else {
			sources = append(sources, minioSource)
		}
	}
	chain := published.NewChain(sources...)
	log.Printf("Published sources: %d", chain.Len())
	return chain
}
