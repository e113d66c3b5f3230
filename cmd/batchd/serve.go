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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchd/internal/config"
	"batchd/internal/httpapi"
	"batchd/internal/manager"
	"batchd/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// serveOptions carries serve flags. Flag defaults come from BATCHD_*
// environment variables; a flag or variable overrides the config file.
type serveOptions struct {
	configPath   string
	addr         string
	modelsDir    string
	defaultModel string
	budgetMB     int
	marginMB     int
	logLevel     string
	logFormat    string
	corsOrigins  string
	// fromEnv records flags whose default came from the environment.
	fromEnv map[string]bool
}

func bindServeFlags(cmd *cobra.Command, o *serveOptions) {
	o.fromEnv = map[string]bool{}
	str := func(p *string, name, env, def, usage string) {
		if v := os.Getenv(env); v != "" {
			o.fromEnv[name] = true
		}
		cmd.Flags().StringVar(p, name, envStr(env, def), usage+" (env "+env+")")
	}
	num := func(p *int, name, env string, usage string) {
		if v := os.Getenv(env); v != "" {
			o.fromEnv[name] = true
		}
		cmd.Flags().IntVar(p, name, envInt(env, 0), usage+" (env "+env+")")
	}
	str(&o.configPath, "config", "BATCHD_CONFIG", "", "Config file (.yaml, .json or .toml)")
	str(&o.addr, "addr", "BATCHD_ADDR", config.DefaultAddr, "HTTP listen address, e.g. :8080")
	str(&o.modelsDir, "models-dir", "BATCHD_MODELS_DIR", config.DefaultModelsDir, "Directory to scan for *.gguf model files")
	str(&o.defaultModel, "default-model", "BATCHD_DEFAULT_MODEL", "", "Default model id when a request omits model")
	num(&o.budgetMB, "vram-budget-mb", "BATCHD_VRAM_BUDGET_MB", "VRAM budget in MB for all instances (0=unlimited)")
	num(&o.marginMB, "vram-margin-mb", "BATCHD_VRAM_MARGIN_MB", "Reserved VRAM margin in MB to keep free")
	str(&o.logLevel, "log-level", "BATCHD_LOG_LEVEL", config.DefaultLogLevel, "Log level: trace|debug|info|warn|error")
	str(&o.logFormat, "log-format", "BATCHD_LOG_FORMAT", config.DefaultLogFormat, "Log format: console|json")
	str(&o.corsOrigins, "cors-origins", "BATCHD_CORS_ORIGINS", "", "Comma separated CORS origins; empty disables CORS")
}

// resolve merges the config file with flags and environment. changed
// reports whether a flag was set on the command line.
func (o *serveOptions) resolve(changed func(string) bool) (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	set := func(name string) bool { return changed(name) || o.fromEnv[name] }
	if set("addr") || cfg.Addr == "" {
		cfg.Addr = o.addr
	}
	if set("models-dir") || cfg.ModelsDir == "" {
		cfg.ModelsDir = o.modelsDir
	}
	if set("default-model") {
		cfg.DefaultModel = o.defaultModel
	}
	if set("vram-budget-mb") {
		cfg.VRAMBudgetMB = o.budgetMB
	}
	if set("vram-margin-mb") {
		cfg.VRAMMarginMB = o.marginMB
	}
	if set("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = o.logLevel
	}
	if set("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat = o.logFormat
	}
	if set("cors-origins") {
		cfg.CORSOrigins = splitCSV(o.corsOrigins)
	}
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, o)
		},
	}
	bindServeFlags(cmd, o)
	return cmd
}

func runServeCmd(cmd *cobra.Command, o *serveOptions) error {
	cfg, err := o.resolve(cmd.Flags().Changed)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

// serve runs the HTTP server and the manager until ctx is done or either
// fails.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:     reg,
		BudgetMB:     cfg.VRAMBudgetMB,
		MarginMB:     cfg.VRAMMarginMB,
		DefaultModel: cfg.DefaultModel,
		MaxInflight:  cfg.MaxInflight,
		DrainTimeout: time.Duration(cfg.DrainTimeoutMS) * time.Millisecond,
		Engine:       cfg.Engine.Build(),
		Logger:       &log,
	})
	if rep := mgr.SanityCheck(); !rep.OK() {
		log.Warn().Strs("missing", rep.Missing).Strs("unsupported", rep.Unsupported).
			Bool("default_missing", rep.DefaultMissing).Msg("registry has models that cannot load")
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewMux(mgr, httpapi.Options{
			Logger:          log,
			LogLevel:        httpapi.ParseLogLevel(cfg.LogLevel),
			GenerateTimeout: time.Duration(cfg.GenerateTimeoutMS) * time.Millisecond,
			BaseContext:     gctx,
			CORS: httpapi.CORSOptions{
				Enabled:        len(cfg.CORSOrigins) > 0,
				AllowedOrigins: cfg.CORSOrigins,
			},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Int("models", len(reg)).Msg("batchd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	err = g.Wait()
	log.Info().Msg("batchd stopped")
	return err
}
