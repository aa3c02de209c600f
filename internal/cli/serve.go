package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/cache"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/metrics"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/notify"
	"github.com/phishguard/phishguard/internal/pipeline"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trust"
	"github.com/phishguard/phishguard/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
	snapshotInterval  = 30 * time.Second
	defaultConfigPath = "/etc/phishguard/config.yaml"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan API service with /metrics",
	Long: `Start phishguard as a long-running HTTP service.

Endpoints:
  /health                    Liveness probe (reports frozen state)
  /scan                      Classify one URL
  /api/batch-scan            Classify up to 50 URLs
  /api/governance/status     Freeze state and safety budgets
  /api/governance/unfreeze   Admin-only resume (X-Admin-Key)
  /api/trusted-domains       Current allowlist
  /api/telemetry/summary     Aggregate scan telemetry
  /api/scan-history          Recent scans (requires history DB)
  /api/scan-trend            Daily verdict counts (requires history DB)
  /metrics                   Prometheus scrape endpoint`,
	Example: `  # Run with default config
  phishguard serve

  # Run with custom config file
  phishguard serve --config /etc/phishguard/config.yaml

  # Override listen address and enable scan history
  phishguard serve --listen :9090 --history-db ./data/history.db

  # JSON logging for log aggregation
  phishguard serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("history-db", "", "Path to SQLite scan history database")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg := config.Defaults()
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		} else if cfgPath != defaultConfigPath {
			// Non-default path that doesn't exist is an error
			return fmt.Errorf("config file not found: %s", cfgPath)
		} else {
			cfg.ApplyEnv()
		}
	}

	listenFlag, _ := cmd.Flags().GetString("listen") //nolint:errcheck // flag registered above
	if listenFlag != "" {
		cfg.ListenAddr = listenFlag
	}
	dataDirFlag, _ := cmd.Flags().GetString("data-dir") //nolint:errcheck // flag registered above
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	historyDB, _ := cmd.Flags().GetString("history-db") //nolint:errcheck // flag registered above
	if historyDB != "" {
		cfg.HistoryDB = historyDB
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "audit"), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Governance state, audit trail and calibration health. The controller
	// is consulted on every scan and every allowlist mutation.
	gstore, err := governance.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening governance state: %w", err)
	}
	auditLog, err := audit.NewLogger(filepath.Join(cfg.DataDir, "audit", "policy_audit.log"))
	if err != nil {
		return fmt.Errorf("opening policy audit log: %w", err)
	}
	ctrl := governance.NewController(gstore, auditLog)
	calMon := calibration.NewMonitor(filepath.Join(cfg.DataDir, "calibration_metrics.json"))
	ctrl.SetCalibrationHealth(calMon.Health)

	// Notifications (nil if not configured)
	notifier := notify.New(cfg.Notifications)
	ctrl.SetFreezeListener(func(reason governance.FreezeReason, incidentID string, details map[string]any) {
		notifier.Freeze(string(reason), incidentID, details)
	})

	// Trusted domain allowlist: manifest-pinned when a manifest exists,
	// config-seeded otherwise. A manifest/state version mismatch is a hard
	// startup failure.
	trustSet, err := buildTrustSet(cfg, gstore, ctrl, auditLog)
	if err != nil {
		return err
	}

	// XAI telemetry and aggregate metrics
	xaiWriter, err := audit.NewXAIWriter(filepath.Join(cfg.DataDir, "audit", "xai_telemetry.jsonl"))
	if err != nil {
		return fmt.Errorf("opening xai telemetry log: %w", err)
	}
	defer xaiWriter.Close()

	aggregator := telemetry.NewAggregator(filepath.Join(cfg.DataDir, "explanation_metrics.json"))
	defer aggregator.Close()

	// Initialize tracing
	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	tracer, tracerShutdown, tracerErr := telemetry.InitTracer(context.Background(), otelEndpoint, "phishguard", version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
		tracer = nil
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	// Blocklist feeds
	var checker *blocklist.Checker
	if cfg.BlocklistEnabled {
		checker = blocklist.New(cfg.BlocklistSources, nil)
	}

	analysisCache := cache.NewAnalysis(cfg.CacheCapacity, cfg.CacheTTL)

	pipeCfg := pipeline.Config{
		Trust:       trustSet,
		Extractor:   feature.NewNetwork(),
		Model:       model.NewCalibrated(),
		Cache:       analysisCache,
		Governance:  ctrl,
		Calibration: calMon,
		Telemetry:   aggregator,
		XAI:         xaiWriter,
	}
	if checker != nil {
		pipeCfg.Blocklist = checker
	}
	pipe, err := pipeline.New(pipeCfg)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Prometheus metrics
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	scanner := &servedScanner{
		pipe:      pipe,
		collector: collector,
		notifier:  notifier,
		tracer:    tracer,
		verdicts:  make(map[store.Verdict]int),
	}

	// Open history store if configured
	var histStore *history.Store
	if cfg.HistoryDB != "" {
		histStore, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer histStore.Close() //nolint:errcheck // best-effort cleanup on shutdown
		slog.Info("scan history enabled", "path", cfg.HistoryDB)
	}

	// Per-IP rate limiting, redis-backed
	var limiter *web.RateLimiter
	if cfg.RateLimit.StorageURI != "" {
		limiter, err = web.NewRateLimiter(cfg.RateLimit.StorageURI, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("building rate limiter: %w", err)
		}
		slog.Info("rate limiting enabled", "limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.Window)
	}

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	server := web.NewServer(web.Config{
		Scanner:   scanner,
		Gov:       ctrl,
		Trust:     trustSet,
		Telemetry: aggregator,
		History:   histStore,
		Metrics:   metricsHandler,
		Limiter:   limiter,
		AdminKey:  cfg.AdminKey,
	})

	handler := server.Handler()
	if cfg.MetricsPath != "" && cfg.MetricsPath != "/metrics" {
		outer := http.NewServeMux()
		outer.Handle("GET "+cfg.MetricsPath, metricsHandler)
		outer.Handle("/", handler)
		handler = outer
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Manifest hot reload
	manifestPath := filepath.Join(cfg.DataDir, "trusted_domains_manifest.json")
	if _, statErr := os.Stat(manifestPath); statErr == nil {
		st, loadErr := gstore.Load()
		manifestVersion := 0
		if loadErr == nil {
			manifestVersion = st.ManifestVersion
		}
		watcher := trust.NewWatcher(trustSet, manifestPath, manifestVersion, func(m *trust.Manifest) {
			if recErr := ctrl.RecordManifestVersion(m.Version); recErr != nil {
				slog.Error("recording manifest version", "err", recErr)
			}
		})
		go func() {
			if werr := watcher.Run(ctx); werr != nil {
				slog.Error("manifest watcher stopped", "err", werr)
			}
		}()
	}

	// Blocklist refresh loop
	if checker != nil {
		go func() {
			refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if rerr := checker.Refresh(refreshCtx); rerr != nil {
				slog.Warn("initial blocklist refresh", "err", rerr)
			}
			cancel()

			ticker := time.NewTicker(cfg.BlocklistRefresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
					if rerr := checker.Refresh(refreshCtx); rerr != nil {
						slog.Warn("blocklist refresh", "err", rerr)
					}
					cancel()
				}
			}
		}()
	}

	// Periodic gauge refresh from a fresh snapshot
	snapshot := func() store.Snapshot {
		snap := store.Snapshot{
			Timestamp:        time.Now().UTC(),
			Verdicts:         scanner.verdictCounts(),
			TotalScans:       aggregator.Summary().TotalScans,
			CalibrationState: string(calMon.Health()),
		}
		snap.CacheHits, snap.CacheMisses = analysisCache.Stats()
		if checker != nil {
			bl := checker.Stats()
			snap.BlocklistURLs = bl.TotalURLs
			snap.BlocklistDomains = bl.TotalDomains
		}
		if st, serr := gstore.Load(); serr == nil {
			snap.Frozen = st.Freeze.IsFrozen
			snap.FreezeReason = string(st.Freeze.FreezeReason)
			if remaining := governance.MaxOverridesPerWindow - st.Budget.OverridesUsed; remaining > 0 {
				snap.OverrideBudget = remaining
			}
		} else {
			snap.Frozen = true
		}
		return snap
	}
	// A CRITICAL calibration reading freezes the system; the check rides the
	// same ticker as the gauge refresh.
	escalate := func() {
		if calMon.Health() == calibration.StatusCritical && !ctrl.IsFrozen() {
			if eerr := ctrl.EscalateCalibration(calibration.StatusCritical, "periodic calibration health check"); eerr != nil {
				slog.Error("calibration escalation failed", "err", eerr)
			}
		}
	}
	collector.Update(snapshot())
	escalate()
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				escalate()
				collector.Update(snapshot())
			}
		}
	}()

	// Start HTTP server
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("phishguard serve listening", "version", version, "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// buildTrustSet loads the allowlist from the manifest when one exists,
// verifying its version against governance state, and falls back to the
// config-seeded list otherwise.
func buildTrustSet(cfg *config.Config, gstore *governance.Store, ctrl *governance.Controller, auditLog *audit.Logger) (*trust.Set, error) {
	manifestPath := filepath.Join(cfg.DataDir, "trusted_domains_manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		slog.Info("no trusted domain manifest, using config allowlist", "extra", len(cfg.TrustedDomains))
		return trust.NewSet(cfg.TrustedDomains, ctrl, auditLog), nil
	}

	m, err := trust.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	st, err := gstore.Load()
	if err != nil {
		return nil, fmt.Errorf("loading governance state: %w", err)
	}
	if st.ManifestVersion != 0 {
		if err := trust.VerifyManifestVersion(m.Version, st.ManifestVersion); err != nil {
			if _, logErr := auditLog.Log(audit.EventManifestVersionMismatch, false, nil,
				"startup", err.Error(), nil); logErr != nil {
				slog.Error("recording manifest mismatch", "err", logErr)
			}
			return nil, fmt.Errorf("refusing to start: %w", err)
		}
	}
	if err := ctrl.RecordManifestVersion(m.Version); err != nil {
		return nil, fmt.Errorf("recording manifest version: %w", err)
	}

	domains := append([]string{}, m.Domains...)
	domains = append(domains, cfg.TrustedDomains...)
	slog.Info("trusted domain manifest loaded", "version", m.Version, "domains", len(m.Domains))
	return trust.NewSet(domains, ctrl, auditLog), nil
}

// servedScanner wraps the pipeline with tracing, Prometheus counters,
// verdict bookkeeping and phishing notifications.
type servedScanner struct {
	pipe      *pipeline.Pipeline
	collector *metrics.Collector
	notifier  *notify.Notifier
	tracer    trace.Tracer
	mu        sync.Mutex
	verdicts  map[store.Verdict]int
}

func (s *servedScanner) Scan(ctx context.Context, rawURL string) (*store.ScanResult, error) {
	return s.scan(ctx, rawURL, s.pipe.Scan)
}

func (s *servedScanner) ScanFresh(ctx context.Context, rawURL string) (*store.ScanResult, error) {
	return s.scan(ctx, rawURL, s.pipe.ScanFresh)
}

func (s *servedScanner) scan(ctx context.Context, rawURL string,
	fn func(context.Context, string) (*store.ScanResult, error)) (*store.ScanResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "pipeline.scan")
		defer span.End()
	}

	res, err := fn(ctx, rawURL)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return nil, err
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("scan.verdict", string(res.Verdict)),
			attribute.Float64("scan.risk_score", res.RiskScore),
			attribute.Bool("scan.cached", res.Cached),
		)
	}

	if !res.Cached {
		s.collector.ObserveScan(res)
		s.mu.Lock()
		s.verdicts[res.Verdict]++
		s.mu.Unlock()
		s.notifier.Phishing(res)
	}
	return res, nil
}

func (s *servedScanner) verdictCounts() map[store.Verdict]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[store.Verdict]int, len(s.verdicts))
	for v, n := range s.verdicts {
		out[v] = n
	}
	return out
}
