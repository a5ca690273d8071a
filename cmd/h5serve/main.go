// Command h5serve runs the HDF5 viewer API over local or S3 storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/h5lab/h5serve/internal/api"
	"github.com/h5lab/h5serve/internal/cache"
	"github.com/h5lab/h5serve/internal/config"
	"github.com/h5lab/h5serve/internal/engine"
	"github.com/h5lab/h5serve/internal/metrics"
	"github.com/h5lab/h5serve/internal/pool"
	"github.com/h5lab/h5serve/internal/storage"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 storage
// unreachable at startup under --eager, 1 everything else.
const (
	exitConfig      = 2
	exitUnreachable = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

type serveOptions struct {
	configFile string
	listen     string
	verbose    bool
	eager      bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "h5serve",
		Short:         "Read-only HTTP viewer for HDF5 containers in object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address (overrides config)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&opts.eager, "eager", false, "probe storage before accepting requests")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := newLogger(opts.verbose)

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, *cfg, logger)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if opts.eager {
		if err := store.Probe(ctx); err != nil {
			return &exitError{code: exitUnreachable, err: fmt.Errorf("storage probe: %w", err)}
		}
		logger.Info("storage reachable", "store", store.Name())
	}

	poolOpts := []pool.Option{
		pool.WithMaxOpen(cfg.Readers.MaxOpen),
		pool.WithLogger(logger),
	}
	if cfg.Storage.BlockCacheMB > 0 {
		poolOpts = append(poolOpts, pool.WithBlockCache(
			storage.NewBlockCache(int64(cfg.Storage.BlockCacheMB)<<20),
		))
	}
	p := pool.New(store, poolOpts...)
	defer p.Close()

	c := cache.New()
	eng := engine.New(store, p, c, *cfg, engine.WithLogger(logger))

	m := metrics.New()
	m.WatchCache(c.Stats)
	m.WatchPool(p.Stats)

	srv := api.New(eng, *cfg, api.WithLogger(logger), api.WithMetrics(m))
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "mode", cfg.Storage.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Mode {
	case config.ModeLocal:
		return storage.NewLocal(cfg.Storage.BaseDir, storage.WithLocalLogger(logger))
	case config.ModeS3:
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:       cfg.Storage.Endpoint,
			Region:         cfg.Storage.Region,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
			Bucket:         cfg.Storage.Bucket,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		}, storage.WithS3Logger(logger))
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
