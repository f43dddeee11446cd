package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/mockwire/wsintercept/internal/admin"
	"github.com/mockwire/wsintercept/internal/config"
	"github.com/mockwire/wsintercept/internal/frontend"
	"github.com/mockwire/wsintercept/internal/health"
	"github.com/mockwire/wsintercept/internal/logging"
	"github.com/mockwire/wsintercept/internal/logring"
	"github.com/mockwire/wsintercept/internal/metrics"
	"github.com/mockwire/wsintercept/internal/ruleloader"
	"github.com/mockwire/wsintercept/internal/security"
	"github.com/mockwire/wsintercept/internal/telemetry"
	"github.com/mockwire/wsintercept/internal/wsproxy"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsintercept",
		Short: "WebSocket interception proxy for scripted mocking and traffic inspection",
	}

	var configPath string
	var verbose bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the interception proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsintercept %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and rule file without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Println("Configuration is valid.")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Rate limit: %v\n", cfg.Security.RateLimit.Enabled)

			if cfg.Rules.Path == "" {
				fmt.Println("  Rules: none configured (starts with an empty rule set)")
				return nil
			}
			set, err := ruleloader.Load(cfg.Rules.Path, nil)
			if err != nil {
				return fmt.Errorf("rule file validation failed: %w", err)
			}
			fmt.Printf("  Rules: %d loaded from %s\n", len(set.All()), cfg.Rules.Path)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	var rulePath string
	ruleCmd := &cobra.Command{
		Use:   "rule",
		Short: "Inspect a rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRules(rulePath)
		},
	}
	ruleCmd.Flags().StringVarP(&rulePath, "file", "f", "", "Path to rule file")
	ruleCmd.MarkFlagRequired("file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(serveCmd, versionCmd, validateCmd, ruleCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printRules(path string) error {
	set, err := ruleloader.Load(path, nil)
	if err != nil {
		return err
	}
	for _, r := range set.All() {
		fmt.Printf("%s  %s  count=%d  %s\n", r.ID, r.Handler.Tag(), r.Count(), r.Explain(false))
	}
	return nil
}

// sessionTracker wraps *metrics.Metrics with the plain counters the
// admin API and health endpoint need, since a Prometheus gauge isn't
// readable back out without scraping its own exposition format.
type sessionTracker struct {
	*metrics.Metrics
	active atomic.Int64
	total  atomic.Int64
}

func (t *sessionTracker) SessionOpened(variant wsproxy.HandlerVariantTag) {
	t.Metrics.SessionOpened(variant)
	t.active.Add(1)
	t.total.Add(1)
}

func (t *sessionTracker) SessionFaulted(variant wsproxy.HandlerVariantTag, reason string) {
	t.Metrics.SessionFaulted(variant, reason)
	t.active.Add(-1)
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	startTime := time.Now()

	slog.Info("starting wsintercept",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"health", cfg.Health.ListenAddress,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.New(shutdownCtx, cfg.Telemetry.ServiceName)
		if err != nil {
			slog.Warn("telemetry setup failed, continuing without tracing", "error", err)
		} else {
			defer provider.Shutdown(context.Background())
			slog.Info("tracing enabled", "service", cfg.Telemetry.ServiceName)
		}
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled", "connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute)
	}

	tracker := &sessionTracker{Metrics: metrics.New()}

	rules := wsproxy.NewRuleSet()
	if cfg.Rules.Path != "" {
		loaded, err := ruleloader.Load(cfg.Rules.Path, nil)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
		rules = loaded
		slog.Info("rules loaded", "path", cfg.Rules.Path, "count", len(rules.All()))
	} else {
		slog.Info("no rule file configured, starting with an empty rule set")
	}

	frontendServer := &frontend.Server{
		Rules:       rules,
		Acceptor:    wsproxy.NewAcceptor(),
		Connector:   wsproxy.NewConnector(),
		Pipe:        wsproxy.NewPipe(tracker),
		Metrics:     tracker,
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
	}

	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		cfg = newCfg

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}

		newHandler, _ := logging.SetupHandler(
			cfg.Logging.Level,
			cfg.Logging.Format,
			cfg.Logging.File,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxBackups,
			cfg.Logging.MaxAgeDays,
			cfg.Logging.Compress,
		)
		slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))

		slog.Info("config reloaded successfully")
		return nil
	}

	proxyListener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind proxy listener on %s: %w", cfg.Server.ListenAddress, err)
	}
	proxyServer := &http.Server{
		Handler:           frontendServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(
			Version,
			cfg.Health.Detailed,
			func() int { return int(tracker.active.Load()) },
			func() int { return len(rules.All()) },
			func() int64 { return tracker.total.Load() },
		)
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		adminAPI := admin.New(admin.Dependencies{
			RuleSet:        rules,
			RateLimiter:    rl,
			RingBuffer:     ring,
			Version:        Version,
			BuildTime:      BuildTime,
			GitCommit:      GitCommit,
			StartTime:      startTime,
			ReloadFunc:     reloadConfig,
			GetConfig:      func() *config.Config { return cfg },
			ActiveSessions: func() int { return int(tracker.active.Load()) },
			TotalSessions:  func() int64 { return tracker.total.Load() },
		})
		healthMux.Handle("/api/v1/", adminAPI.APIHandler())

		healthListener, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			proxyListener.Close()
			return fmt.Errorf("failed to bind health listener on %s: %w", cfg.Health.ListenAddress, err)
		}

		healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("proxy listening", "address", cfg.Server.ListenAddress)
		if err := proxyServer.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
			slog.Error("proxy server error", "error", err)
		}
	}()

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if sent {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			proxyListener.Close()

			drainDeadline := time.After(cfg.Server.DrainTimeout)
			drainTick := time.NewTicker(100 * time.Millisecond)
		drainLoop:
			for {
				select {
				case <-drainDeadline:
					if remaining := tracker.active.Load(); remaining > 0 {
						slog.Warn("drain timeout reached, force-closing remaining connections", "remaining", remaining)
					}
					break drainLoop
				case <-drainTick.C:
					if tracker.active.Load() == 0 {
						slog.Info("all connections drained")
						break drainLoop
					}
				}
			}
			drainTick.Stop()

			shutdownCancel()

			if healthServer != nil {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthServer.Shutdown(shutCtx)
				shutCancel()
			}

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=wsintercept - WebSocket interception proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=wsintercept
Group=wsintercept
ExecStartPre=/usr/local/bin/wsintercept validate --config /etc/wsintercept/config.yaml
ExecStart=/usr/local/bin/wsintercept serve --config /etc/wsintercept/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/wsintercept
LogsDirectory=wsintercept
StateDirectory=wsintercept
LimitNOFILE=65535

MemoryMax=128M

StandardOutput=journal
StandardError=journal
SyslogIdentifier=wsintercept

[Install]
WantedBy=multi-user.target
`)
}
