package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/interview-call/config"
	"github.com/mossy-p/interview-call/internal/handlers"
	"github.com/mossy-p/interview-call/internal/iceservers"
	"github.com/mossy-p/interview-call/internal/logger"
	"github.com/mossy-p/interview-call/internal/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signaling: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Name:       "signaling",
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Infow("redis connection established", "host", cfg.Redis.Host)

	ice := iceservers.NewProvider(log.Named("ice"), iceservers.Options{
		Domain: cfg.ICE.CredentialDomain,
		APIKey: cfg.ICE.CredentialAPIKey,
		StaticTURN: iceservers.StaticTURN{
			URLs:     cfg.ICE.TURNURLs,
			Username: cfg.ICE.TURNUsername,
			Password: cfg.ICE.TURNPassword,
		},
		ForceRelay: cfg.ICE.ForceRelay,
		TTL:        cfg.ICE.CredentialTTL,
	}, nil)
	if !ice.IsConfigured() {
		log.Warnw("credential service not configured, serving public STUN only", "staticTURN", cfg.ICE.HasStaticTURN())
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.New(log.Named("relay"), store, ice, cfg.JWTSecret)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(h, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting WebRTC signaling server", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infow("shutting down", "rooms", h.Hub().RoomCount())
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
