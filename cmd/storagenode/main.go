// Command storagenode runs one storage node: a content-addressed chunk
// store served over HTTP, kept registered with the coordinator by a
// background agent.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/chunkstore"
	"github.com/agenthands/chunknet/pkg/client"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/node"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := core.DefaultNodeConfig()
	var (
		nodeID  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:          "storagenode",
		Short:        "Run a chunk storage node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID != "" {
				cfg.ID = core.NodeID(nodeID)
			}
			return run(cfg, verbose)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nodeID, "id", "", "node ID (generated when empty)")
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to serve chunks on")
	flags.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "address the coordinator should dial (defaults to localhost + listen port)")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for pack files and the catalog")
	flags.StringVar(&cfg.CoordinatorURL, "coordinator", cfg.CoordinatorURL, "coordinator base URL")
	flags.Uint64Var(&cfg.StorageBudget, "storage-budget", cfg.StorageBudget, "advisory storage capacity in bytes")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "time between heartbeats")
	flags.Uint64Var(&cfg.Pack.TargetPackBytes, "pack-bytes", cfg.Pack.TargetPackBytes, "pack file size before rotation")
	flags.BoolVar(&cfg.GC.Enabled, "gc", cfg.GC.Enabled, "enable periodic pack compaction")
	flags.DurationVar(&cfg.GC.RunEvery, "gc-interval", cfg.GC.RunEvery, "time between pack GC passes")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(cfg core.NodeConfig, verbose bool) error {
	logger, err := buildLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.ID == "" {
		cfg.ID = core.NewNodeID()
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = advertiseFromListen(cfg.ListenAddr)
	}

	store, err := chunkstore.Open(chunkstore.Config{
		Dir:             cfg.DataDir,
		TargetPackBytes: cfg.Pack.TargetPackBytes,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gc := chunkstore.NewGCRunner(store, cfg.GC, logger)
	gc.Start(ctx)
	defer gc.Stop()

	coord := client.NewCoordinatorClient(cfg.CoordinatorURL, 0)
	agent := node.NewAgent(cfg, coord, store, logger)
	go func() {
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("agent stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: node.NewServer(cfg, store, logger).Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("storage node listening",
			zap.String("node_id", string(cfg.ID)),
			zap.String("addr", cfg.ListenAddr),
			zap.String("advertise", cfg.AdvertiseAddr),
			zap.String("data_dir", cfg.DataDir))
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

// advertiseFromListen turns a listen address like ":5001" into an address
// the coordinator can dial.
func advertiseFromListen(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
