package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegisid.org/internal/authority"
	"aegisid.org/internal/config"
	"aegisid.org/internal/federation"
	"aegisid.org/internal/httpapi"
	"aegisid.org/internal/keyring"
	"aegisid.org/internal/notify"
	"aegisid.org/internal/obs"
	"aegisid.org/internal/policy"
	"aegisid.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Version != "" {
		version = cfg.Version
	}
	obs.InitBuildInfo(version, "")

	// Credential store: PostgreSQL when a DSN is set, in-memory otherwise.
	var (
		store authority.Store
		probe httpapi.ReadyProbe
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.Info("no database configured, using in-memory store", nil)
		store = authority.NewInMemory()
	}

	ring, err := keyring.New(cfg.MaxTokenLifetime())
	if err != nil {
		log.Fatalf("init key ring: %v", err)
	}

	dispatcher := notify.NewDispatcher(notify.LogMailer{})
	defer dispatcher.Close()

	auth, err := authority.NewService(store, ring, policy.New(cfg.PolicyConfig()),
		authority.WithIssuer(cfg.Issuer),
		authority.WithAccessTTL(cfg.AccessTTL),
		authority.WithRefreshTTL(cfg.RefreshTTL),
		authority.WithRevocationCacheTTL(cfg.RevocationCacheTTL),
		authority.WithNotifier(dispatcher),
	)
	if err != nil {
		log.Fatalf("init authority: %v", err)
	}

	providers, err := cfg.Providers()
	if err != nil {
		log.Fatalf("load providers: %v", err)
	}
	opts := []httpapi.Option{
		httpapi.WithJWKS(ring),
		httpapi.WithReadyProbe(probe),
		httpapi.WithRateLimit(httpapi.RateLimitSettings{
			PerSecond: int(cfg.RateLimit.RPS),
			Burst:     cfg.RateLimit.Burst,
		}),
	}
	if len(providers) > 0 {
		broker, err := federation.New(store, providers)
		if err != nil {
			log.Fatalf("init federation: %v", err)
		}
		opts = append(opts, httpapi.WithBroker(broker))
	}

	api := httpapi.New(auth, version, opts...)

	// Background signing-key rotation.
	rotateCtx, stopRotation := context.WithCancel(context.Background())
	defer stopRotation()
	go rotateKeys(rotateCtx, ring, cfg.KeyRotateInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aegis-id %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func rotateKeys(ctx context.Context, ring *keyring.Ring, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			key, err := ring.Rotate()
			if err != nil {
				obs.Error("key rotation failed", map[string]any{"error": err.Error()})
				continue
			}
			obs.KeyRotated()
			obs.Info("signing key rotated", map[string]any{"kid": key.ID})
		case <-ctx.Done():
			return
		}
	}
}
