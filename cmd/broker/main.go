package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironpost/broker/internal/audit"
	"github.com/ironpost/broker/internal/auth"
	"github.com/ironpost/broker/internal/ca"
	"github.com/ironpost/broker/internal/config"
	"github.com/ironpost/broker/internal/crypt"
	"github.com/ironpost/broker/internal/events"
	"github.com/ironpost/broker/internal/ingress"
	"github.com/ironpost/broker/internal/logging"
	"github.com/ironpost/broker/internal/queue"
	"github.com/ironpost/broker/internal/store"
	"github.com/ironpost/broker/internal/storeapi"
	"github.com/ironpost/broker/internal/worker"
)

// version and commit are set at build time via ldflags, the same
// -X main.version=... -X main.commit=... convention as the teacher's
// binary.
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	// Subcommand dispatch: "broker store", "broker ingress", "broker worker".
	// BROKER_MODE env var is used when no subcommand is given; any other
	// argument exits 64.
	mode := ""
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "store", "ingress", "worker":
			mode = os.Args[1]
			os.Args = append(os.Args[:1], os.Args[2:]...)
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q (want store, ingress or worker)\n", os.Args[1])
			os.Exit(64)
		}
	}

	cfg := config.Load()
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	fmt.Println("ironpost broker " + versionString())
	fmt.Printf("Mode: %s\n", cfg.Mode)
	fmt.Println("=============================================")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var err error
	switch cfg.Mode {
	case "store":
		err = runStore(ctx, cfg, log)
	case "ingress":
		err = runIngress(ctx, cfg, log)
	case "worker":
		err = runWorker(ctx, cfg, log)
	}
	if err != nil {
		log.Error("fatal dependency failure at startup", "mode", cfg.Mode, "error", err)
		os.Exit(2)
	}
	log.Info("broker shutdown complete", "mode", cfg.Mode)
}

func issueListenerCert(c *ca.CA, cn string) (tls.Certificate, error) {
	certPEM, keyPEM, _, err := c.IssueComponentCert(cn, nil, nil)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("issue %s listener cert: %w", cn, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse %s listener cert: %w", cn, err)
	}
	return cert, nil
}

// serveTLS starts srv and returns once ctx is cancelled and the server has
// drained, following the same "go ListenAndServe, go wait-for-ctx-then-
// Shutdown" shape cmd/sentinel/main.go uses for its dashboard listener.
func serveTLS(ctx context.Context, srv *http.Server, log *logging.Logger, name string) {
	go func() {
		if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error(name+" listener error", "error", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

func runStore(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	c, err := ca.Initialize(cfg.CADir)
	if err != nil {
		return fmt.Errorf("initialize ca: %w", err)
	}
	revoked, err := db.RevokedSerials()
	if err != nil {
		return fmt.Errorf("load revoked serials: %w", err)
	}
	c.LoadRevoked(revoked)

	fingerprints, err := db.Fingerprints()
	if err != nil {
		return fmt.Errorf("load certificate fingerprints: %w", err)
	}
	c.LoadFingerprints(fingerprints)

	q, err := queue.New(db.DB())
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	secretboxKey, err := crypt.LoadKey(cfg.SecretboxKeyHex)
	if err != nil {
		return fmt.Errorf("load secretbox key: %w", err)
	}

	bus := events.New()
	auditLog := audit.New(db, bus)

	issuer := auth.NewTokenIssuer([]byte(cfg.JWTSigningKey), cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
	loginLimiter := auth.NewRateLimiterConfig(cfg.LoginRateLimit, cfg.LoginRateWindow, cfg.LoginLockoutAttempts, cfg.LoginLockoutDuration)
	authSvc := auth.NewService(db, db, auditLog, issuer, log.Logger, auth.WithRateLimiter(loginLimiter))

	internalSrv := storeapi.NewInternalServer(storeapi.InternalDeps{
		Store: db, Queue: q, CA: c, Audit: auditLog, Log: log.Logger,
	})
	operatorSrv := storeapi.NewOperatorServer(storeapi.OperatorDeps{
		Store: db, Auth: authSvc, Issuer: issuer, CA: c, SecretboxKey: secretboxKey, Audit: auditLog, Log: log.Logger,
	})

	internalCert, err := issueListenerCert(c, "store-internal-api")
	if err != nil {
		return err
	}
	operatorCert, err := issueListenerCert(c, "store-operator-api")
	if err != nil {
		return err
	}

	internalHTTPSrv := &http.Server{
		Addr:      cfg.StoreInternalAddr,
		Handler:   internalSrv.Handler(),
		TLSConfig: storeapi.TLSConfig(internalCert, c.CACertPool(), c),
	}
	operatorHTTPSrv := &http.Server{
		Addr:    cfg.OperatorAddr,
		Handler: operatorSrv.Handler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{operatorCert},
			MinVersion:   tls.VersionTLS13,
		},
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := db.DeleteExpiredRefreshTokens(); err != nil {
					log.Warn("expired refresh token cleanup failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up expired refresh tokens", "count", n)
				}
			}
		}
	}()

	log.Info("store started", "internal_addr", cfg.StoreInternalAddr, "operator_addr", cfg.OperatorAddr)

	done := make(chan struct{}, 2)
	go func() { serveTLS(ctx, internalHTTPSrv, log, "internal API"); done <- struct{}{} }()
	go func() { serveTLS(ctx, operatorHTTPSrv, log, "operator API"); done <- struct{}{} }()
	<-done
	<-done
	return nil
}

func runIngress(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	c, err := ca.Initialize(cfg.CADir)
	if err != nil {
		return fmt.Errorf("load ca: %w", err)
	}

	hostname, _ := os.Hostname()
	proxyCN := "proxy-" + hostname
	proxyCert, err := issueListenerCert(c, proxyCN)
	if err != nil {
		return fmt.Errorf("issue proxy client cert: %w", err)
	}
	storeClient := storeapi.NewClient("https://"+cfg.StoreInternalAddr, proxyCert, &tls.Config{RootCAs: c.CACertPool(), MinVersion: tls.VersionTLS13})

	secretboxKey, err := crypt.LoadKey(cfg.SecretboxKeyHex)
	if err != nil {
		return fmt.Errorf("load secretbox key: %w", err)
	}

	srv := ingress.New(ingress.Dependencies{
		Backend:        storeClient,
		Health:         storeClient,
		Clients:        storeClient,
		CA:             c,
		SecretboxKey:   secretboxKey,
		SenderHashSalt: []byte(cfg.SenderHashSalt),
		RateLimit:      cfg.IngressRateLimit,
		RateWindow:     time.Minute,
		QueueSoftLimit: cfg.QueueSoftLimit,
		Log:            log.Logger,
	})

	listenerCert, err := issueListenerCert(c, "ingress-"+hostname)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:      cfg.IngressAddr,
		Handler:   srv.Handler(),
		TLSConfig: ingress.TLSConfig(listenerCert, c.CACertPool(), c),
	}

	go srv.RunCleanupSweep(ctx, time.Minute)
	go refreshRevocations(ctx, storeClient, c, cfg.CRLRefresh, log)
	go refreshFingerprints(ctx, storeClient, c, cfg.CRLRefresh, log)

	log.Info("ingress started", "addr", cfg.IngressAddr)
	serveTLS(ctx, httpSrv, log, "ingress")
	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	c, err := ca.Initialize(cfg.CADir)
	if err != nil {
		return fmt.Errorf("load ca: %w", err)
	}

	hostname, _ := os.Hostname()
	workerCN := "worker-" + hostname
	workerCert, err := issueListenerCert(c, workerCN)
	if err != nil {
		return fmt.Errorf("issue worker client cert: %w", err)
	}
	baseTLS := &tls.Config{RootCAs: c.CACertPool(), MinVersion: tls.VersionTLS13}
	storeClient := storeapi.NewClient("https://"+cfg.StoreInternalAddr, workerCert, baseTLS)
	deliveryClient := worker.NewDeliveryClient("https://"+cfg.StoreInternalAddr+"/internal/messages/deliver", workerCert, baseTLS)

	pool := &worker.Pool{
		Backend:         storeClient,
		Queue:           storeClient,
		Deliverer:       deliveryClient,
		Log:             log.Logger,
		Concurrency:     cfg.WorkerConcurrency(),
		RetryInterval:   cfg.RetryInterval(),
		MaxAttempts:     uint(cfg.MaxAttempts()),
		DeliveryTimeout: cfg.VisibilityTimeout(),
		ShutdownGrace:   30 * time.Second,
	}

	if err := pool.Reconcile(ctx); err != nil {
		log.Error("reconciliation sweep failed", "error", err)
	}

	go refreshRevocations(ctx, storeClient, c, cfg.CRLRefresh, log)

	log.Info("worker started", "concurrency", pool.Concurrency)
	pool.Run(ctx)
	return nil
}

// refreshRevocations keeps a process-local *ca.CA's revocation set within
// the <=60s freshness bound the trust-decision contract requires, since
// Ingress and Worker never read the Store's bbolt file directly.
func refreshRevocations(ctx context.Context, c *storeapi.Client, ca *ca.CA, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := c.RevokedSerials(ctx)
			if err != nil {
				log.Warn("failed to refresh revocation set", "error", err)
				continue
			}
			ca.LoadRevoked(revoked)
		}
	}
}

// refreshFingerprints keeps a process-local *ca.CA's client-certificate
// fingerprint registry fresh, on the same cadence as refreshRevocations.
// Only Ingress calls this: it's the only process that ever runs Verify
// against a client certificate someone else submitted, so it's the only
// process that needs the fingerprint-pinning check's fourth leg to stay
// current. Worker only ever presents its own component cert.
func refreshFingerprints(ctx context.Context, c *storeapi.Client, ca *ca.CA, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fingerprints, err := c.Fingerprints(ctx)
			if err != nil {
				log.Warn("failed to refresh certificate fingerprint registry", "error", err)
				continue
			}
			ca.LoadFingerprints(fingerprints)
		}
	}
}
