package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlineshell "github.com/always-cache/offline-shell"
	"github.com/always-cache/offline-shell/cache"
	"github.com/always-cache/offline-shell/internal/config"
	"github.com/always-cache/offline-shell/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	// CLI flags
	cfgFile              string
	originFlag           string
	addrFlag             string
	hostFlag             string
	portFlag             int
	metricsPortFlag      int
	providerFlag         string
	dbFilenameFlag       string
	versionTagFlag       string
	manualActivationFlag bool
	verbosityTraceFlag   bool
	logFilenameFlag      string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline-shell",
		Short: "Offline caching proxy for the Speller quiz.",
		Long: `offline-shell sits in front of the Speller quiz origin and keeps the
application usable without a connection. The application shell is pre-cached
on install, other requests are cached as they succeed, and pages and images
that can not be found get generated stand-ins.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML configuration file")
	flags.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flags.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flags.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flags.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flags.IntVar(&metricsPortFlag, "metrics-port", 0, "Port for Prometheus metrics (disabled if 0)")
	flags.StringVar(&providerFlag, "provider", "sqlite", "Cache storage: sqlite, badger or memory")
	flags.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file or directory (use 'memory' for in-memory sqlite)")
	flags.StringVar(&versionTagFlag, "version-tag", "", "Version tag of the initial worker")
	flags.BoolVar(&manualActivationFlag, "manual-activation", false, "Keep new versions waiting until a page sends SKIP_WAITING")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	return cmd
}

// applyFlags overrides the loaded configuration with the flags that were
// set explicitly.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	// get the downstream server address
	if originFlag != "" {
		cfg.Origin.URL = originFlag
	} else if addrFlag != "" {
		cfg.Origin.URL = "https://" + addrFlag
		cfg.Origin.Host = hostFlag
	} else if hostFlag != "" {
		return errors.New("--host needs --addr")
	}
	if flags.Changed("port") {
		cfg.Server.Port = portFlag
	}
	if flags.Changed("metrics-port") {
		cfg.Server.MetricsPort = metricsPortFlag
	}
	if flags.Changed("provider") {
		cfg.Cache.Provider = providerFlag
	}
	if flags.Changed("db") {
		cfg.Cache.Path = dbFilenameFlag
	}
	if versionTagFlag != "" {
		cfg.App.Version = versionTagFlag
	}
	if manualActivationFlag {
		cfg.App.ManualActivation = true
	}
	if verbosityTraceFlag {
		cfg.Log.Trace = true
	}
	if logFilenameFlag != "" {
		cfg.Log.File = logFilenameFlag
	}
	return nil
}

// setupLogging points the global logger to stdout and, if configured,
// to an append-only log file.
func setupLogging(c config.Log) (closeLog func() error, err error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if c.Trace {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	closeLog = func() error { return nil }
	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = f.Close
		logOutputs = append(logOutputs, f)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
	return closeLog, nil
}

// openProvider creates the cache storage named in the configuration.
func openProvider(c config.Cache) (cache.CacheProvider, error) {
	switch c.Provider {
	case "memory":
		return cache.NewMemCache(), nil
	case "badger":
		provider, err := cache.NewBadgerCache(c.Path)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "sqlite", "":
		path := c.Path
		if path == "memory" {
			path = ""
		}
		provider, err := cache.NewSQLiteCache(path)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", c.Provider)
	}
}

func hostConfig(cfg config.Config, provider cache.CacheProvider, reg prometheus.Registerer) (offlineshell.Config, error) {
	originURL, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return offlineshell.Config{}, fmt.Errorf("parse origin url: %w", err)
	}
	return offlineshell.Config{
		Cache:            provider,
		OriginURL:        *originURL,
		OriginHost:       cfg.Origin.Host,
		AppName:          cfg.App.Name,
		CachePrefix:      cfg.Cache.Prefix,
		Version:          cfg.App.Version,
		StaticResources:  cfg.App.StaticResources,
		UpdateInterval:   cfg.App.UpdateInterval,
		VersionPath:      cfg.App.VersionPath,
		ManualActivation: cfg.App.ManualActivation,
		Rules:            cfg.Rules,
		Registerer:       reg,
		Logger:           &log.Logger,
	}, nil
}

func run(ctx context.Context, cfg config.Config) error {
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, "offline-shell", version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error().Err(err).Msg("Could not flush traces")
		}
	}()

	provider, err := openProvider(cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer provider.Close()

	hc, err := hostConfig(cfg, provider, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	host, err := offlineshell.New(hc)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Initial install failed, proxying to origin until an update installs")
	}

	if cfg.Server.MetricsPort != 0 {
		metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer metricsSrv.Close()
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: host}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Server.Port, hc.OriginURL.String(), hc.OriginHost)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
