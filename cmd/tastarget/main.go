package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/annel0/gotas/internal/config"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
	"github.com/annel0/gotas/internal/target"
)

func main() {
	var (
		configPath string
		opts       target.Options
	)
	cmd := &cobra.Command{
		Use:   "tastarget",
		Short: "Reference game driven frame by frame by tasctl",
		Long: `tastarget is a small synthetic game with a main loop and background
worker goroutines. It listens on the gotas socket ($GOTAS_SOCKET when
started by tasctl) and lets the controller record, replay and checkpoint it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.LogDir != "" {
				logging.SetLogDir(cfg.LogDir)
			}
			if err := logging.InitDefaultLogger("tastarget"); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer logging.CloseDefaultLogger()
			logging.GetLoggerManager().SetAllLevels(logging.ParseLevel(cfg.LogLevel))
			defer logging.GetLoggerManager().CloseAll()

			if opts.SocketPath == "" {
				opts.SocketPath = cfg.GetSocketPath()
			}
			if opts.MaxThreads == 0 {
				opts.MaxThreads = cfg.GetMaxThreads()
			}
			opts.QuiesceTimeout = cfg.QuiesceTimeout()

			collector := metrics.NewCollector("gotas_target")
			opts.Metrics = collector
			if addr := os.Getenv("GOTAS_TARGET_METRICS_ADDR"); addr != "" {
				srv := collector.StartHTTP(addr)
				defer srv.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = target.Run(ctx, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration `file` (default $GOTAS_CONFIG)")
	f.StringVar(&opts.SocketPath, "socket", "", "socket `path` to listen on")
	f.IntVar(&opts.Workers, "workers", 2, "background worker goroutines")
	f.IntVar(&opts.MaxThreads, "max-threads", 0, "thread registry capacity (default from config)")
	f.Uint64Var(&opts.Frames, "frames", 0, "exit after this many frames, 0 runs until the controller quits")
	f.BoolVar(&opts.StrictOrdering, "strict", false, "require CONFIG before inputs on every frame")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
