package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/approval"
	"github.com/wardgate/wardgate/internal/audit"
	"github.com/wardgate/wardgate/internal/ca"
	"github.com/wardgate/wardgate/internal/control"
	"github.com/wardgate/wardgate/internal/domain"
	"github.com/wardgate/wardgate/internal/intent"
	"github.com/wardgate/wardgate/internal/intercept"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/procscan"
	"github.com/wardgate/wardgate/internal/proxy"
	"github.com/wardgate/wardgate/internal/ratelimit"
	"github.com/wardgate/wardgate/internal/secrets"
	"github.com/wardgate/wardgate/internal/storage"
)

var (
	proxyAddr   string
	controlAddr string
	dataDir     string
	noMITM      bool
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the egress proxy and control API",
	Long: `Start the egress proxy. Point your agent's HTTP(S)_PROXY at the proxy
address; the control API serves live events, approvals, and metrics on a
separate port.`,
	Example: `  wardgate proxy
  wardgate proxy -c wardgate.yaml --proxy-addr 127.0.0.1:8888
  HTTPS_PROXY=http://127.0.0.1:18080 claude`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyAddr, "proxy-addr", "", "proxy listen address (overrides config)")
	proxyCmd.Flags().StringVar(&controlAddr, "control-addr", "", "control API listen address (overrides config)")
	proxyCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	proxyCmd.Flags().BoolVar(&noMITM, "no-mitm", false, "disable TLS interception, tunnel all CONNECT traffic")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.PoliciesDir = filepath.Join(dataDir, "policies")
		cfg.RulesDir = filepath.Join(dataDir, "rules")
	}
	if proxyAddr != "" {
		cfg.ProxyAddr = proxyAddr
	}
	if controlAddr != "" {
		cfg.ControlAddr = controlAddr
	}
	if noMITM {
		cfg.MITMEnabled = false
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dao, err := storage.New(
		storage.WithDatabaseFile(filepath.Join(cfg.DataDir, "wardgate.db")),
		storage.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer dao.Close()

	store := policy.NewStore(cfg.PoliciesDir, logger)
	if err := store.Load(); err != nil {
		return err
	}

	anomalies, err := policy.NewAnomalyRules(cfg.RulesDir)
	if err != nil {
		return fmt.Errorf("loading anomaly rules: %w", err)
	}

	var issuer proxy.Issuer
	if cfg.MITMEnabled {
		authority, err := ca.NewAuthority(cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("preparing certificate authority: %w", err)
		}
		issuer = authority
	}

	ledger := domain.NewLedger(dao, store)
	detector := procscan.NewScanner(store, logger)
	interceptor := intercept.New(intercept.Config{
		Logger:    logger,
		Policies:  store,
		Domains:   ledger,
		Limiter:   ratelimit.NewLimiter(),
		Scanner:   secrets.NewScanner(logger),
		Analyzer:  intent.NewAnalyzer(cfg.Intent, logger, nil),
		Detector:  detector,
		Anomalies: anomalies,
		DAO:       dao,
	})
	approvals := approval.NewQueue(cfg.ApprovalTimeout, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go func() {
		if err := store.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("policy watcher stopped", "error", err)
		}
	}()
	go detector.Watch(ctx, func(agents []procscan.DetectedAgent) {
		if agents != nil {
			logger.Debug("process scan", "agents", len(agents))
		}
	})

	controlSrv := control.NewServer(cfg.ControlAddr, store, ledger, approvals, interceptor, dao, logger)
	go func() {
		if err := controlSrv.ListenAndServe(ctx); err != nil {
			logger.Error("control API error", "error", err)
		}
	}()

	auditLog := interceptor.AuditLogger()
	if _, err := auditLog.LogEvent(ctx, api.EventSystemStarted, map[string]any{
		"proxy_addr":   cfg.ProxyAddr,
		"control_addr": cfg.ControlAddr,
		"mitm":         cfg.MITMEnabled,
	}, audit.EventContext{}); err != nil {
		logger.Warn("audit write failed", "error", err)
	}
	defer func() {
		if _, err := auditLog.LogEvent(context.Background(), api.EventSystemStopped, nil, audit.EventContext{}); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	}()

	proxySrv := proxy.NewServer(proxy.Config{
		Logger:      logger,
		Interceptor: interceptor,
		Policies:    store,
		Approvals:   approvals,
		Issuer:      issuer,
		MITMEnabled: cfg.MITMEnabled,
		MITMFailure: cfg.MITMFailure,
		IdleTimeout: cfg.IdleTimeout,
	})

	logger.Info("wardgate running",
		slog.String("proxy", cfg.ProxyAddr),
		slog.String("control", cfg.ControlAddr),
		slog.String("data_dir", cfg.DataDir),
	)
	return proxySrv.ListenAndServe(ctx, cfg.ProxyAddr)
}
