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

	"weave/api/internal/align"
	"weave/api/internal/app"
	"weave/api/internal/archive"
	"weave/api/internal/baseline"
	"weave/api/internal/config"
	"weave/api/internal/hub"
	"weave/api/internal/membership"
	"weave/api/internal/merge"
	"weave/api/internal/room"
	"weave/api/internal/search"
	"weave/api/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Membership is optional: without a database every user is admitted
	// to every room, which is the single-machine dev setup.
	var rooms *membership.Service
	var authorizer hub.Authorizer
	var ping func(ctx context.Context) error
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := membership.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := membership.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		rooms = membership.NewService(membership.NewPostgresStore(db))
		authorizer = rooms
		ping = db.PingContext
	} else {
		log.Printf("WARNING: no DATABASE_URL, running without membership checks")
		rooms = membership.NewService(membership.NewMemoryStore())
	}

	if err := os.MkdirAll(cfg.BaselinesDir, 0o755); err != nil {
		log.Fatalf("failed to create baselines dir: %v", err)
	}
	baselines := baseline.New(cfg.BaselinesDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	coordinator := &merge.Coordinator{
		Engine:      merge.NewMemoryEngine(),
		Holder:      util.NewID("node"),
		SyncTimeout: cfg.MergeTimeout,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		claims, err := merge.NewRedisClaims(cfg.RedisURL, cfg.ClaimTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer claims.Close()
		coordinator.Claims = claims
		log.Printf("Using Redis for merge claim arbitration")
	} else {
		log.Printf("WARNING: no REDIS_URL, merges run unguarded")
	}

	var archives app.ArchiveStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		store, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("archive storage failed: %v", err)
		}
		coordinator.Archive = store
		archives = store
	}

	h := hub.New(room.NewRegistry(), authorizer, cfg.CORSOrigin)
	wiring := &app.Wiring{
		Hub:       h,
		Search:    searchService,
		Baselines: baselines,
		Merges:    coordinator,
	}
	wiring.Attach()

	aligner := align.New(cfg.AlignURL, cfg.AlignTimeout)
	httpServer := app.NewHTTPServer(h, rooms, searchService, baselines, aligner, archives, cfg.CORSOrigin, ping)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Weave API listening on %s", cfg.Addr)
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
