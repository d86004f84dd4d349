// restfs server
//
// Features:
// - Batched imports with folder size propagation
// - Per-node history with date range queries
// - PostgreSQL, SQLite or in-memory metadata store
// - Prometheus metrics & structured logging (zap)
// - SSE change feed
package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/api"
	"github.com/fruitsalade/restfs/internal/config"
	"github.com/fruitsalade/restfs/internal/engine"
	"github.com/fruitsalade/restfs/internal/events"
	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metadata/memory"
	"github.com/fruitsalade/restfs/internal/metadata/postgres"
	"github.com/fruitsalade/restfs/internal/metadata/sqlite"
	"github.com/fruitsalade/restfs/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("restfs server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.StoreBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, pg, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal("failed to open metadata store", zap.Error(err))
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster()
	srv := api.NewServer(engine.New(store), broadcaster, cfg.NodeCacheTTL)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so SSE streams stop on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	if pg != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pg.UpdateConnectionMetrics()
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

// openStore opens the configured backend. The postgres store is also
// returned on its own so its connection metrics can be polled.
func openStore(ctx context.Context, cfg *config.Config) (metadata.Store, *postgres.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := sqlite.New(ctx, cfg.SQLitePath)
		return s, nil, err
	case config.BackendMemory:
		logging.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil, nil
	default:
		s, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DBConnectAttempts)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}
