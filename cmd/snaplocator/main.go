// Package main is the entry point for the snaplocator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/config"
	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/matcher"
	"github.com/easeaico/snaplocator/internal/service"
	"github.com/easeaico/snaplocator/internal/store"
)

// Version is the current snaplocator CLI version
var Version = "0.1.0"

// shutdownTimeout bounds the final flush of pending durable writes.
const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "snaplocator",
	Short: "Snapshot cache and element locator for UI automation",
	Long: `snaplocator caches captured UI hierarchy snapshots, builds portable element
locators from them and re-finds those elements in later snapshots.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// app is everything a command needs, opened from the environment.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	engine *service.Engine
	store  store.Store
}

// openApp loads configuration, opens the durable store and wires the engine.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	durable, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var rules *matcher.Rules
	if cfg.MatchRulesFile != "" {
		rules, err = matcher.LoadRules(cfg.MatchRulesFile)
		if err != nil {
			durable.Close()
			return nil, err
		}
	}

	c := cache.New(durable, cfg.Cache, logger)
	if err := c.Initialize(ctx); err != nil {
		durable.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	engine := service.NewEngine(c,
		locator.NewBuilder(locator.Config{}, logger),
		matcher.NewResolver(rules, matcher.Config{Floor: cfg.MatchFloor}, logger),
		logger)
	return &app{cfg: cfg, logger: logger, engine: engine, store: durable}, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DBType {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return s, nil
	}
}

// Close flushes pending writes, then closes the durable store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-a.engine.Cache().Restored():
	case <-ctx.Done():
	}
	if err := a.engine.Close(ctx); err != nil {
		a.logger.Warn("cache: flush on shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store: close failed", "error", err)
	}
}

// withApp opens the app around a command body.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func readJSON(path string, v any) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeOutput writes v as JSON to path, or stdout when path is empty.
func writeOutput(cmd *cobra.Command, path string, v any) error {
	if path == "" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return printJSON(f, v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
