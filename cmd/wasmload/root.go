package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caffeineduck/wasmload/engine"
	"github.com/caffeineduck/wasmload/fetch"
	"github.com/caffeineduck/wasmload/hostfunc"
	"github.com/caffeineduck/wasmload/loader"
	"github.com/caffeineduck/wasmload/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "wasmload",
	Short: "Load, instantiate and call WebAssembly modules",
	Long: `wasmload - Fetch or read a WebAssembly module, compile and instantiate it,
then call its exports.

A source is an http(s) URL, a file path, or "-" for stdin. URLs are
streamed into the compiler when possible. Modules run without host access
unless --wasi is given; the "env" built-ins (now_ms, log_i32, log_i64,
abort) are provided by default.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	def := defaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("log-level", def.LogLevel, "Log level: debug, info, warn, error")
	pf.Duration("timeout", def.Timeout, "Timeout for loading and for each call")
	pf.StringSlice("allow-host", nil, "Allowed host for URL sources (can be repeated, default: any)")
	pf.String("memory", "", "Per-module memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	pf.Bool("no-cache", false, "Disable the on-disk compilation cache")
	pf.String("cache-dir", "", "Compilation cache directory (default: $XDG_CACHE_HOME/wasmload)")
	pf.Bool("wasi", false, "Provide wasi_snapshot_preview1 to modules")
	pf.Bool("no-streaming", false, "Buffer URL sources before compiling")
	pf.Bool("no-builtins", false, "Do not provide the env built-ins")
	pf.Int64("max-module-size", def.MaxModuleSize, "Largest module accepted from a URL, in bytes")
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg     Config
	logger  *zap.Logger
	engine  *engine.Wazero
	loader  *loader.Loader
	ctrl    *session.Controller
	imports hostfunc.Imports
}

func newApp(cmd *cobra.Command, sessionOpts ...session.Option) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if cfg.NoCache {
		engineOpts = append(engineOpts, engine.WithMemoryCache())
	} else {
		engineOpts = append(engineOpts, engine.WithDiskCache(cfg.CacheDir))
	}
	if cfg.WASI {
		engineOpts = append(engineOpts, engine.WithWASI())
	}
	if cfg.Memory != "" {
		pages, err := parseMemoryLimit(cfg.Memory)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithMemoryLimit(pages))
	}

	eng, err := engine.New(engineOpts...)
	if err != nil {
		return nil, err
	}

	l := loader.New(eng,
		loader.WithFetcher(fetch.NewHTTP(fetch.Config{
			AllowedHosts:   cfg.AllowHosts,
			RequestTimeout: cfg.Timeout,
		})),
		loader.WithStreaming(!cfg.NoStreaming),
		loader.WithMaxModuleSize(cfg.MaxModuleSize),
		loader.WithLogger(logger),
	)

	registry := hostfunc.NewRegistry()
	if !cfg.NoBuiltins {
		hostfunc.RegisterBuiltins(registry, logger.Named("guest"))
	}

	sessionOpts = append(sessionOpts, session.WithLogger(logger))
	return &app{
		cfg:     cfg,
		logger:  logger,
		engine:  eng,
		loader:  l,
		ctrl:    session.New(l, sessionOpts...),
		imports: registry.Imports(),
	}, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("close engine", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return engine.MemoryLimit1MB, nil
	case "16mb":
		return engine.MemoryLimit16MB, nil
	case "64mb":
		return engine.MemoryLimit64MB, nil
	case "256mb":
		return engine.MemoryLimit256MB, nil
	case "1gb":
		return engine.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}

// readSource turns a command line argument into a loader.Source.
func readSource(cmd *cobra.Command, arg string) (loader.Source, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return loader.Source{URL: arg}, nil
	}

	var data []byte
	var err error
	if arg == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return loader.Source{}, fmt.Errorf("read module: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return loader.Source{Buffer: data}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
