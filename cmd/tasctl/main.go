package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/annel0/gotas/internal/api"
	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/config"
	"github.com/annel0/gotas/internal/controller"
	"github.com/annel0/gotas/internal/eventbus"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
	"github.com/annel0/gotas/internal/network"
	"github.com/annel0/gotas/internal/observability"
	"github.com/annel0/gotas/internal/protocol"
)

// options - флаги командной строки
type options struct {
	configPath string
	readPath   string
	writePath  string
	dumpPath   string
	readWrite  bool
	socket     string
	noLaunch   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "tasctl [flags] [game [args...]]",
		Short: "Record, replay and checkpoint a game frame by frame",
		Long: `tasctl drives a game linked against the gotas coordinator over a local socket.

Without -r or -w the session runs with recording disabled. Hotkeys and live
input are read line by line from stdin (for example "shift+F1", "hold d",
"pointer 10 20 1").

Exit codes:
  0 - the session ended gracefully
  1 - argument, connection or protocol failure

Examples:
  tasctl -w run.gtm ./game
  tasctl -r run.gtm --read-write ./game
  tasctl --no-launch --socket /tmp/gotas.socket -r run.gtm`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.readPath, "read", "r", "", "play back the movie at `path`")
	f.StringVarP(&opts.writePath, "write", "w", "", "record a movie to `path`")
	f.StringVarP(&opts.dumpPath, "dump", "d", "", "dump audio/video to `path` while running")
	f.BoolVar(&opts.readWrite, "read-write", false, "with -r: allow loading states to rewrite the movie")
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration `file` (default $GOTAS_CONFIG)")
	f.StringVar(&opts.socket, "socket", "", "socket `path` (default from config or $GOTAS_SOCKET)")
	f.BoolVar(&opts.noLaunch, "no-launch", false, "connect to an already running game")
	cmd.MarkFlagsMutuallyExclusive("read", "write")
	return cmd
}

func run(ctx context.Context, opts *options, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.socket != "" {
		cfg.SocketPath = opts.socket
	}
	if len(args) > 0 {
		cfg.Target.Path = args[0]
		cfg.Target.Args = args[1:]
	}

	mode, moviePath, err := sessionMode(opts)
	if err != nil {
		return err
	}

	if cfg.LogDir != "" {
		logging.SetLogDir(cfg.LogDir)
	}
	if err := logging.InitDefaultLogger("tasctl"); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.CloseDefaultLogger()
	level := logging.ParseLevel(cfg.LogLevel)
	logging.GetLoggerManager().SetAllLevels(level)
	defer logging.GetLoggerManager().CloseAll()
	logger := logging.GetControllerLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.InitTelemetry(ctx, "gotas-controller", observability.TelemetryConfig{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	collector := metrics.NewCollector("gotas")
	if addr := cfg.GetMetricsAddr(); addr != "" {
		srv := collector.StartHTTP(addr)
		defer srv.Close()
	}

	bus, err := newEventBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()
	eventbus.Init(bus)
	if level <= logging.DEBUG {
		if err := eventbus.StartLoggingListener(bus); err != nil {
			logger.Warn("Event log listener: %v", err)
		}
	}
	exporter := eventbus.NewMetricsExporter(bus, collector.Registry())
	exporter.Start(10 * time.Second)
	defer exporter.Stop()

	var webhooks *api.WebhookDispatcher
	if len(cfg.Webhooks) > 0 {
		webhooks = api.NewWebhookDispatcher(webhookTargets(cfg), logging.GetComponentLogger("api"))
		if err := webhooks.Attach(ctx, bus); err != nil {
			return fmt.Errorf("webhooks: %w", err)
		}
		defer func() {
			// шина дорабатывает очередь, включая SessionEnded
			bus.Close()
			webhooks.Close()
		}()
	}

	game := gameName(cfg)
	backend, err := newBackend(ctx, cfg, game)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(checkpoint.StoreConfig{
		Dir:            cfg.GetSavestateDir(),
		Game:           game,
		CompressMovies: cfg.Movie.Compress,
	}, backend, logging.GetCheckpointLogger())
	if err != nil {
		backend.Close()
		return err
	}
	defer store.Close()

	socket := cfg.GetSocketPath()
	var target *exec.Cmd
	if !opts.noLaunch {
		if cfg.Target.Path == "" {
			return errors.New("no game to launch: pass it as an argument or use --no-launch")
		}
		target, err = controller.Launch(ctx, controller.LaunchOptions{
			Path:       cfg.Target.Path,
			Args:       cfg.Target.Args,
			PreloadLib: cfg.Target.PreloadLib,
			LibDir:     cfg.Target.LibDir,
			RunDir:     cfg.Target.RunDir,
			SoftwareGL: cfg.Target.SoftwareGL,
			SocketPath: socket,
		}, logger)
		if err != nil {
			return fmt.Errorf("launch %s: %w", cfg.Target.Path, err)
		}
	}

	chCfg := network.DefaultChannelConfig(socket)
	chCfg.MaxRetries = cfg.Connect.Retries
	chCfg.RetryInterval = time.Duration(cfg.Connect.IntervalMs) * time.Millisecond
	chCfg.MaxInterval = time.Duration(cfg.Connect.MaxMs) * time.Millisecond
	ch, err := network.Dial(ctx, chCfg, logging.GetNetworkLogger())
	if err != nil {
		waitTarget(target, logger)
		return err
	}
	defer ch.Close()

	ctlOpts, err := controllerOptions(cfg, game, mode, moviePath, opts.dumpPath)
	if err != nil {
		return err
	}
	console := controller.NewConsole(logger)
	console.Start(ctx, os.Stdin)

	ctl, err := controller.New(ctlOpts, controller.Deps{
		Channel: ch,
		Store:   store,
		Events:  console,
		Inputs:  console,
		Bus:     bus,
		Metrics: collector,
		Monitor: controller.NewTargetMonitor(collector, time.Duration(cfg.Target.MonitorEvery)*time.Millisecond, logger),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if addr := cfg.GetAPIAddr(); addr != "" {
		rs := api.NewRestServer(api.Config{
			Addr:      addr,
			Status:    func() interface{} { return ctl.Status() },
			Slots:     store,
			Webhooks:  webhooks,
			Collector: collector,
		})
		if err := rs.Start(); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rs.Shutdown(sctx)
		}()
	}

	err = ctl.Run(ctx)
	ch.Close()
	waitTarget(target, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("👋 Session finished at frame %d", ctl.Frame())
	return nil
}

// sessionMode выбирает режим записи по флагам -r/-w
func sessionMode(opts *options) (protocol.RecordingMode, string, error) {
	switch {
	case opts.readPath != "" && opts.writePath != "":
		return protocol.ModeDisabled, "", errors.New("-r and -w are mutually exclusive")
	case opts.readPath != "":
		if opts.readWrite {
			return protocol.ModeReadWrite, opts.readPath, nil
		}
		return protocol.ModeReadOnly, opts.readPath, nil
	case opts.writePath != "":
		if opts.readWrite {
			return protocol.ModeDisabled, "", errors.New("--read-write requires -r")
		}
		return protocol.ModeWrite, opts.writePath, nil
	case opts.readWrite:
		return protocol.ModeDisabled, "", errors.New("--read-write requires -r")
	}
	return protocol.ModeDisabled, "", nil
}

func controllerOptions(cfg *config.Config, game string, mode protocol.RecordingMode, moviePath, dumpPath string) (controller.Options, error) {
	endPolicy, err := controller.ParseEndPolicy(cfg.Movie.EndPolicy)
	if err != nil {
		return controller.Options{}, err
	}
	focus, err := controller.ParseFocusPolicy(cfg.Inputs.Focus)
	if err != nil {
		return controller.Options{}, err
	}
	hotkeys, err := controller.ParseHotkeys(cfg.Hotkeys)
	if err != nil {
		return controller.Options{}, err
	}
	poll := cfg.PollInterval()
	return controller.Options{
		Game:                game,
		MoviePath:           moviePath,
		DumpFile:            dumpPath,
		Mode:                mode,
		Author:              cfg.Movie.Author,
		FramerateNum:        cfg.Movie.FramerateNum,
		FramerateDen:        cfg.Movie.FramerateDen,
		CompressMovie:       cfg.Movie.Compress,
		EndPolicy:           endPolicy,
		PauseFrame:          cfg.Movie.PauseFrame,
		Focus:               focus,
		MouseSupport:        cfg.Inputs.MouseSupport,
		Controllers:         cfg.Inputs.Controllers,
		Hotkeys:             hotkeys,
		AutoRepeatDelay:     time.Duration(cfg.FrameAdvance.Delay) * poll,
		AutoRepeatFrequency: cfg.FrameAdvance.Frequency,
		PollInterval:        poll,
		LoggingLevel:        logging.ParseLevel(cfg.LogLevel),
	}, nil
}

func newEventBus(cfg *config.Config) (eventbus.EventBus, error) {
	if cfg.EventBus.URL == "" {
		return eventbus.NewMemoryBus(1024), nil
	}
	bus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, time.Duration(cfg.EventBus.Retention)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	return bus, nil
}

func newBackend(ctx context.Context, cfg *config.Config, game string) (checkpoint.Backend, error) {
	switch strings.ToLower(cfg.Checkpoint.Backend) {
	case "memory":
		return checkpoint.NewMemoryBackend(), nil
	case "redis":
		rc := checkpoint.DefaultRedisConfig()
		if cfg.Checkpoint.RedisAddr != "" {
			rc.Addr = cfg.Checkpoint.RedisAddr
		}
		rc.DB = cfg.Checkpoint.RedisDB
		return checkpoint.NewRedisBackend(ctx, rc, game)
	case "badger":
		dir := cfg.Checkpoint.BadgerDir
		if dir == "" {
			dir = filepath.Join(cfg.GetSavestateDir(), "slots.db")
		}
		return checkpoint.NewBadgerBackend(dir, game)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
}

func webhookTargets(cfg *config.Config) []api.Webhook {
	hooks := make([]api.Webhook, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		name := w.Name
		if name == "" {
			name = w.URL
		}
		hooks = append(hooks, api.Webhook{
			Name:    name,
			URL:     w.URL,
			Secret:  w.Secret,
			Events:  w.Events,
			Timeout: time.Duration(w.TimeoutMs) * time.Millisecond,
			Retries: w.Retries,
		})
	}
	return hooks
}

// gameName - имя игры для файлов состояний: имя исполняемого файла или "game"
func gameName(cfg *config.Config) string {
	if cfg.Target.Path == "" {
		return "game"
	}
	return filepath.Base(cfg.Target.Path)
}

func waitTarget(cmd *exec.Cmd, logger *logging.Logger) {
	if cmd == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("Game exited: %v", err)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("Game did not exit, killing pid %d", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}
