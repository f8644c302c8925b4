package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kitwatch/kitwatch/pkg/acquire"
	"github.com/kitwatch/kitwatch/pkg/artifacts"
	"github.com/kitwatch/kitwatch/pkg/config"
	"github.com/kitwatch/kitwatch/pkg/dedup"
	"github.com/kitwatch/kitwatch/pkg/hostlimit"
	"github.com/kitwatch/kitwatch/pkg/observability"
	"github.com/kitwatch/kitwatch/pkg/pipeline"
	"github.com/kitwatch/kitwatch/pkg/scope"
	"github.com/kitwatch/kitwatch/pkg/validator"
	"github.com/kitwatch/kitwatch/pkg/version"
)

// commonFlags are shared by the subcommands that build a pipeline.
type commonFlags struct {
	configPath string
	threads    int
	downloadTo string
	database   string
	jsonOut    bool
	jsonFile   string
	verbose    bool
}

func (f *commonFlags) registerBase(cmd *flag.FlagSet) {
	cmd.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&f.database, "database", "", "Dedup store DSN (overrides dedup.dsn)")
	cmd.BoolVar(&f.verbose, "verbose", false, "Debug logging and per-candidate output")
}

func (f *commonFlags) registerPipeline(cmd *flag.FlagSet) {
	f.registerBase(cmd)
	cmd.IntVar(&f.threads, "threads", 0, "Worker count (overrides threads)")
	cmd.StringVar(&f.downloadTo, "download-to", "", "Download root (overrides download_to)")
	cmd.BoolVar(&f.jsonOut, "json", false, "Write one canonical JSON object per candidate to stdout")
	cmd.StringVar(&f.jsonFile, "json-out", "", "Also append one canonical JSON object per candidate to this file")
}

// load reads the config file and applies flag overrides on top.
func (f *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.threads > 0 {
		cfg.Threads = f.threads
	}
	if f.downloadTo != "" {
		cfg.DownloadTo = f.downloadTo
	}
	if f.database != "" {
		cfg.Dedup.DSN = f.database
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func openStore(ctx context.Context, cfg *config.Config) (dedup.Store, error) {
	return dedup.Open(ctx, dedup.Options{
		Driver:    dedup.Driver(cfg.Dedup.Driver),
		DSN:       cfg.Dedup.DSN,
		Password:  cfg.Dedup.Password,
		DB:        cfg.Dedup.DB,
		KeyPrefix: cfg.Dedup.KeyPrefix,
	})
}

func newValidator(cfg *config.Config, limiter *hostlimit.Limiter) *validator.Validator {
	prober := validator.NewHTTPProber(&http.Client{Timeout: cfg.Timeout}, cfg.UserAgent, cfg.Timeout)
	return validator.New(validator.Policy{
		Extensions: cfg.ValidExtensions,
		MIMETypes:  cfg.ValidMIMETypes,
	}, prober, limiter, nil)
}

// app owns every long-lived component of a pipeline run.
type app struct {
	cfg       *config.Config
	store     dedup.Store
	mirror    artifacts.Store
	telemetry *observability.Provider
	orch      *pipeline.Orchestrator
	acquirer  *acquire.Acquirer
}

func openApp(ctx context.Context, cfg *config.Config, reporter pipeline.Reporter) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	policy, err := pipeline.ParseFailurePolicy(cfg.OnAcquireFailure)
	if err != nil {
		return nil, err
	}

	cfg.Telemetry.ServiceVersion = version.String()
	a.telemetry, err = observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup store: %w", err)
	}

	a.mirror, err = artifacts.NewStore(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("failed to open kit mirror: %w", err)
	}

	filter, err := scope.NewFilter(cfg.Scope.Exclude)
	if err != nil {
		return nil, err
	}

	limiter := hostlimit.New(cfg.PerHostRPS, cfg.PerHostBurst)
	a.acquirer, err = acquire.New(acquire.Config{
		Root:      cfg.DownloadTo,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		MaxBytes:  cfg.MaxDownloadBytes,
	}, &http.Client{Timeout: cfg.Timeout}, limiter, a.mirror, nil)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithTelemetry(a.telemetry)}
	if filter.Len() > 0 {
		opts = append(opts, pipeline.WithScope(filter))
	}
	a.orch = pipeline.New(pipeline.Config{
		Threads:          cfg.Threads,
		OnAcquireFailure: policy,
		ReportOnly:       !cfg.AutoDownload,
	}, newValidator(cfg, limiter), a.store, a.acquirer, reporter, opts...)
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close dedup store", "error", err)
		}
	}
	if c, ok := a.mirror.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close kit mirror", "error", err)
		}
	}
	if a.telemetry != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(sctx); err != nil {
			slog.WarnContext(ctx, "failed to flush telemetry", "error", err)
		}
	}
}
