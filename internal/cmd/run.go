package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/dreamine/hybridhost/internal/bridge"
	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/config"
	"github.com/dreamine/hybridhost/internal/engine/loopback"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/supervisor"
	"github.com/dreamine/hybridhost/internal/tui/monitor"
	"github.com/dreamine/hybridhost/internal/uithread"
	"github.com/dreamine/hybridhost/internal/watch"
)

const (
	// TopicHostTick is the heartbeat published by the host while running.
	TopicHostTick = "host.tick"
	// TopicGuestAck is the topic the loopback guest acknowledges on.
	TopicGuestAck = "guest.ack"
	// RootComponentName is the component mounted at the configured selector.
	RootComponentName = "App"
)

var errForcedFailure = errors.New("engine start-up failure forced by --fail-init")

// Tick is the payload of TopicHostTick.
type Tick struct {
	N  int       `json:"n"`
	At time.Time `json:"at"`
}

type runOptions struct {
	plain       bool
	failInit    bool
	initDelay   time.Duration
	tick        time.Duration
	duration    time.Duration
	metricsAddr string
}

var runFlags runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host the document and watch its message bus",
	Long: `Start a runtime for the configured host document, mount the root
component once the engine is ready and show the runtime's bus traffic.

On a terminal a live monitor is shown; otherwise (or with --plain) one line
is printed per message. If the engine cannot start, an offline page is
written to the cache directory.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runFlags.plain, "plain", false, "print one line per message instead of the monitor")
	runCmd.Flags().BoolVar(&runFlags.failInit, "fail-init", false, "force engine start-up to fail")
	runCmd.Flags().DurationVar(&runFlags.initDelay, "init-delay", 0, "delay engine start-up (exceeding runtime.init_timeout_ms degrades)")
	runCmd.Flags().DurationVar(&runFlags.tick, "tick", time.Second, "heartbeat interval (0 disables)")
	runCmd.Flags().DurationVar(&runFlags.duration, "duration", 0, "exit after this long (0 runs until interrupted)")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	interactive := !runFlags.plain && term.IsTerminal(int(os.Stdout.Fd()))

	logOpts := logging.Options{
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	}
	// The monitor owns the terminal, so logs go to a file.
	if interactive {
		logOpts.Dir = filepath.Join(config.ConfigDir(), "logs")
	}
	logger, err := logging.NewLogger(logOpts)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runHost(ctx, cfg, runFlags, logger, cmd.OutOrStdout(), interactive)
}

// runHost wires the supervisor, engine, bridge and observers together and
// blocks until ctx is done or the monitor quits.
func runHost(ctx context.Context, cfg *config.Config, opts runOptions, logger *logging.Logger, out io.Writer, interactive bool) error {
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	loop := uithread.NewLoop()
	defer loop.Stop()

	engineCfg := loopback.Config{
		DocumentPath: cfg.Host.DocumentPath,
		InitDelay:    opts.initDelay,
		Script:       loopback.EchoScript(TopicGuestAck),
		Logger:       logger,
	}
	if opts.failInit {
		engineCfg.FailInit = errForcedFailure
	}
	factory := loopback.NewFactory(engineCfg)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithDispatcher(loop),
		supervisor.WithMetrics(rec),
		supervisor.WithInitTimeout(cfg.Runtime.InitTimeout()),
		supervisor.WithProductID(cfg.Runtime.ProductID),
	}
	if cfg.Runtime.CacheDir != "" {
		supOpts = append(supOpts, supervisor.WithCacheDir(cfg.Runtime.CacheDir))
	}
	sup := supervisor.New(factory, supOpts...)
	defer func() {
		if err := sup.Shutdown(); err != nil {
			logger.Warn("supervisor shutdown failed", "error", err)
		}
	}()

	cacheDir, err := sup.CacheDir()
	if err != nil {
		return fmt.Errorf("failed to resolve cache directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		tap     bus.Handler
		printer *linePrinter
		program *tea.Program
		source  = &bridgeSource{}
	)
	if interactive {
		program = tea.NewProgram(monitor.New("hybridhost", source),
			tea.WithAltScreen(),
			tea.WithContext(gctx),
			tea.WithOutput(out),
		)
		tap = monitor.Forward(program)
	} else {
		printer = &linePrinter{w: out}
		tap = printer.Message
	}

	surface := newFileSurface(cacheDir, logger, func(path string) {
		if printer != nil {
			printer.Printf("offline page written to %s\n", path)
		}
	})

	br, err := bridge.New(sup, newHeadlessTarget(logger), surface,
		bridge.WithLogger(logger),
		bridge.WithDispatcher(loop),
		bridge.WithMetrics(rec),
		bridge.WithLabel("main"),
		bridge.WithHostDocument(cfg.Host.DocumentPath),
		bridge.WithTargetEndpoint(cfg.Host.TargetEndpoint),
		bridge.WithInitTimeout(cfg.Runtime.InitTimeout()),
		bridge.WithGuestTopics(cfg.Bridge.GuestTopics),
		bridge.WithGuestRateLimit(rate.Limit(cfg.Bridge.GuestRateLimit), cfg.Bridge.GuestBurst),
		bridge.WithHostHandler(TopicGuestAck, func(msg bus.Message) error {
			ack, err := bus.Decode[loopback.Ack](msg)
			if err != nil {
				return err
			}
			logger.Debug("guest acknowledged", "topic", ack.Topic, "seq", ack.Seq)
			return nil
		}),
		bridge.WithTap(tap),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := br.Close(); err != nil {
			logger.Warn("bridge close failed", "error", err)
		}
	}()
	source.set(br)
	factory.SetSink(br.ReceiveFromGuest)

	spec, err := bridge.NewMountSpec(cfg.Host.MountSelector, RootComponentName, bridge.NewServices(map[string]any{
		"endpoint": cfg.Host.TargetEndpoint,
		"product":  cfg.Runtime.ProductID,
	}))
	if err != nil {
		return err
	}
	if err := br.Attach(spec); err != nil {
		return err
	}

	if program != nil {
		g.Go(func() error {
			defer cancel()
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		})
	}

	if err := br.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	h := br.Handle()

	if w, err := watch.New(cfg.Host.DocumentPath, h.Bus(),
		watch.WithLogger(logger),
		watch.WithDispatcher(loop),
	); err != nil {
		logger.Warn("host document not watched", "error", err)
	} else {
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return heartbeat(gctx, br, opts.tick) })

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	logger.Info("host running", "runtime_id", h.ID(), "cache_dir", cacheDir)
	err = g.Wait()

	if printer != nil {
		snap := h.Snapshot()
		printer.Printf("runtime %s %s", snap.ID, snap.State)
		if snap.Reason != "" {
			printer.Printf(" (%s)", snap.Reason)
		}
		printer.Printf("\n")
	}
	return err
}

// heartbeat publishes TopicHostTick every interval until ctx is done.
func heartbeat(ctx context.Context, br *bridge.Bridge, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			n++
			if err := br.Post(TopicHostTick, Tick{N: n, At: t.UTC()}); err != nil {
				if errors.Is(err, bus.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// bridgeSource feeds the monitor header before and after the runtime exists.
type bridgeSource struct {
	mu sync.Mutex
	br *bridge.Bridge
}

func (s *bridgeSource) set(br *bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.br = br
}

func (s *bridgeSource) Snapshot() supervisor.Snapshot {
	s.mu.Lock()
	br := s.br
	s.mu.Unlock()
	if br == nil {
		return supervisor.Snapshot{}
	}
	if h := br.Handle(); h != nil {
		return h.Snapshot()
	}
	return supervisor.Snapshot{}
}

// linePrinter writes one line per bus message. Messages arrive from the bus
// drainer and the dispatcher, so writes are serialized.
type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePrinter) Message(msg bus.Message) error {
	payload := ""
	if msg.Payload != nil {
		if data, err := json.Marshal(msg.Payload); err == nil {
			payload = string(data)
		}
	}
	p.Printf("%6d %-5s %-28s %s\n", msg.Seq, msg.Origin, msg.Topic, payload)
	return nil
}

func (p *linePrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
