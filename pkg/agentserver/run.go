package agentserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/telemetry"
	"github.com/tracegate/tracegate/pkg/liveapply"
	"github.com/tracegate/tracegate/pkg/reconcile"
)

// Run starts the node agent: it validates required configuration, opens
// the event ledger, optionally dials the local Xray API for live-apply,
// and serves the HTTP surface until ctx is canceled. Grounded on
// agent/main.py's module-level startup checks and run().
func Run(ctx context.Context, cfg *config.AgentConfig) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.AuthToken == "" {
		return errors.New("AGENT_AUTH_TOKEN is required")
	}
	if cfg.Role == "VPS_T" && cfg.StatsSecret == "" {
		return errors.New("AGENT_STATS_SECRET is required for VPS_T health checks")
	}

	paths := reconcile.NewPaths(cfg.DataRoot)
	for _, dir := range []string{paths.Base, paths.Runtime, paths.UsersDir, paths.WgPeersDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating agent data directory %s: %w", dir, err)
		}
	}

	ledger, err := OpenLedger(cfg.DataRoot)
	if err != nil {
		return fmt.Errorf("opening event ledger: %w", err)
	}
	defer ledger.Close()

	var xray reconcile.XraySyncer
	if cfg.XrayAPIEnabled {
		xray = liveapply.NewClient(cfg.XrayAPIServer, time.Duration(cfg.XrayAPITimeoutSeconds)*time.Second)
		logger.Info("xray live-apply enabled", "server", cfg.XrayAPIServer)
	}

	deps := NewDeps(cfg, logger, xray)
	metricsReg := telemetry.NewMetricsRegistry(telemetry.ReconcileChangedTotal, telemetry.AgentEventsProcessedTotal)
	srv := NewServer(deps, ledger, logger, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return fmt.Errorf("building agent TLS config: %w", err)
		}
		httpSrv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent server listening", "addr", cfg.ListenAddr(), "role", cfg.Role)
		var serveErr error
		if httpSrv.TLSConfig != nil {
			serveErr = httpSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serveErr = httpSrv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("agent http server: %w", serveErr)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down agent server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildTLSConfig(cfg *config.AgentConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading agent TLS certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading agent CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parsing agent CA file %s", cfg.TLSCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
