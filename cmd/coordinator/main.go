// Command coordinator runs the metadata service: it ingests files, places
// chunk replicas on storage nodes, tracks node liveness and repairs
// replication when nodes die.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/coordinator"
	"github.com/agenthands/chunknet/pkg/core"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := core.DefaultCoordinatorConfig()
	var verbose bool

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Run the chunk network coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, verbose)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to serve the API on")
	flags.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "directory for the master key and manifest store")
	flags.IntVar(&cfg.Replication.Factor, "replication", cfg.Replication.Factor, "copies kept per chunk")
	flags.StringVar(&cfg.Chunking.Mode, "chunking", cfg.Chunking.Mode, "chunking mode: fixed or cdc")
	flags.IntVar(&cfg.Chunking.Size, "chunk-size", cfg.Chunking.Size, "chunk size in bytes (fixed mode)")
	flags.StringVar(&cfg.Seal.Compression, "compression", cfg.Seal.Compression, "chunk compression: none or zstd")
	flags.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "node silence before it is presumed dead")
	flags.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often dead nodes are reaped")
	flags.DurationVar(&cfg.Healing.Interval, "healing-interval", cfg.Healing.Interval, "how often queued repairs are drained")
	flags.Uint64Var(&cfg.Limits.MaxFileBytes, "max-file-bytes", cfg.Limits.MaxFileBytes, "largest accepted upload (0 = unlimited)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(cfg core.CoordinatorConfig, verbose bool) error {
	logger, err := buildLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	svc, err := coordinator.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)
	defer svc.Stop()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: svc.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("work_dir", cfg.WorkDir),
			zap.Int("replication", cfg.Replication.Factor))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
