// ============================================================================
// Feedrecovery CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   feedrecovery                   # Root command
//   ├── run                        # Track producers from a live envelope stream
//   │   └── --input, -i           # Envelope source ("-" = stdin)
//   ├── replay                     # Drive the state machine from a recording
//   │   └── --file, -f            # JSON-lines envelope file
//   ├── status                     # Configuration and persisted producer state
//   ├── journal                    # Dump the producer WAL
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file with sections feed, producers, recovery_api, admin,
//   health, metrics, log (see config.go)
//
// run Command:
//   1. Load config, set up slog (optionally rotating to a file)
//   2. Start the HTTP recovery issuer, controller and observers
//      (Prometheus collector, gRPC health reporter)
//   3. Start admin API / health gRPC / metrics HTTP servers when enabled
//   4. Pump envelopes from --input into the controller
//   5. On SIGINT/SIGTERM: stop servers, take the final snapshot, close the WAL
//
// replay Command:
//   Uses a mock clock advanced to each envelope's "at" and a logging issuer,
//   so no request leaves the process and no state file is touched. Every
//   status transition is printed as it happens.
//
//   Examples:
//     ./feedrecovery replay -f testdata/session.jsonl
//     ./feedrecovery replay -c prod.yaml -f capture.jsonl
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/api"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/controller"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/feed"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/metrics"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/server"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/snapshot"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/storage/wal"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "feedrecovery",
		Short: "Feedrecovery: odds feed producer recovery tracker",
		Long: `Feedrecovery tracks whether each odds feed producer's data is current:
- alive / snapshot_complete driven recovery state machine
- after-timestamp recovery across restarts (state file + WAL)
- Prometheus metrics, gRPC health and an admin HTTP API`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReplayCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start tracking producers from an envelope stream",
		Long:  "Start the controller, issuer and servers, then read JSON-lines envelopes from --input",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, input, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", `envelope source file ("-" for stdin)`)
	return cmd
}

func runSystem(ctx context.Context, input string, stdin io.Reader, stderr io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.requireRecoveryAPI(); err != nil {
		return err
	}

	logCloser, err := setupLogging(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log := slog.Default()

	collector := metrics.NewCollector(nil)
	health := server.NewHealthReporter()

	iss, err := issuer.New(cfg.RecoveryAPI, issuer.WithRecorder(collector))
	if err != nil {
		return fmt.Errorf("failed to create issuer: %w", err)
	}
	if err := iss.Start(); err != nil {
		return fmt.Errorf("failed to start issuer: %w", err)
	}
	defer iss.Stop()

	ctrl, err := controller.NewController(cfg.controllerConfig(true), iss, clock.System(),
		controller.WithObserver(collector),
		controller.WithObserver(health),
	)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error("Server failed", "server", name, "error", err)
			}
		}()
	}

	if cfg.Admin.Enabled {
		adminSrv := api.NewServer(ctrl, cfg.Admin.ServerConfig, api.WithMetricsHandler(collector.Handler()))
		serve("admin", adminSrv.Serve)
	}
	if cfg.Health.Enabled {
		serve("health", func(ctx context.Context) error { return health.Serve(ctx, cfg.Health.Addr) })
	}
	if cfg.Metrics.Enabled {
		serve("metrics", func(ctx context.Context) error { return collector.StartServer(ctx, cfg.Metrics.Addr) })
	}

	src, closeSrc, err := openInput(input, stdin)
	if err != nil {
		return err
	}
	defer closeSrc()

	go func() {
		stats, err := feed.Pump(ctx, src, ctrl, nil)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Envelope stream failed", "error", err)
		}
		log.Info("Envelope stream ended", "applied", stats.Applied, "skipped", stats.Skipped)
	}()

	log.Info("System started successfully", "producers", len(cfg.Producers), "config", configFile)

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")
	wg.Wait()

	return nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// ============================================================================
// replay
// ============================================================================

func buildReplayCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded envelope file against a mock clock",
		Long:  "Drive the state machine from a JSON-lines recording and print every status transition. No request is sent upstream and no state file is written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("envelope file is required (use --file or -f)")
			}
			return replay(file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON-lines envelope file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// transitionPrinter prints status changes as they happen
type transitionPrinter struct {
	out io.Writer
}

func (p transitionPrinter) RecordStatusChange(change types.StatusChange) {
	line := fmt.Sprintf("%s producer=%d %s -> %s (%s)",
		change.At.UTC().Format(time.RFC3339), change.ProducerID, change.Old, change.New, change.Reason)
	if change.RequestID != 0 {
		line += fmt.Sprintf(" request_id=%d", change.RequestID)
	}
	if change.RecoveryDuration > 0 {
		line += fmt.Sprintf(" took=%s", change.RecoveryDuration)
	}
	fmt.Fprintln(p.out, line)
}

func (p transitionPrinter) RecordEventRecoveryCompleted(e types.EventRecoveryCompletion) {
	fmt.Fprintf(p.out, "event recovery completed producer=%d event=%s request_id=%d\n",
		e.ProducerID, e.EventID, e.RequestID)
}

func replay(path string, out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open envelope file: %w", err)
	}
	defer f.Close()

	mock := clock.NewMock(time.Unix(0, 0).UTC())
	iss := issuer.NewLogging(cfg.RecoveryAPI.InitialRequestID)

	ctrl, err := controller.NewController(cfg.controllerConfig(false), iss, mock,
		controller.WithObserver(transitionPrinter{out: out}))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	stats, err := feed.Pump(context.Background(), f, ctrl, func(rec feed.Record) {
		if !rec.At.IsZero() && rec.At.After(mock.Now()) {
			mock.Set(rec.At)
		}
	})
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "envelopes applied=%d skipped=%d requests=%d\n", stats.Applied, stats.Skipped, len(iss.Sent()))
	for _, st := range ctrl.Statuses() {
		fmt.Fprintf(out, "  %-4d %-12s %s\n", st.ID, st.Name, st.Status)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and persisted producer status",
		Long:  "Display the configured producers and the last confirmed alive stored in the state file and WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	persisted, err := persistedStates(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Recovery API:     %s\n", orNone(cfg.RecoveryAPI.BaseURL))
	fmt.Fprintf(out, "  ├─ Check Every:      %s\n", cfg.Feed.CheckInterval)
	fmt.Fprintf(out, "  └─ Snapshot Every:   %s\n", cfg.Feed.SnapshotInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  ├─ State File:       %s\n", orNone(cfg.Feed.SnapshotPath))
	fmt.Fprintf(out, "  └─ WAL:              %s\n", orNone(cfg.Feed.WALPath))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Producers:")
	for i, p := range cfg.Producers {
		branch := "├─"
		if i == len(cfg.Producers)-1 {
			branch = "└─"
		}
		last := "never"
		if st, ok := persisted[types.ProducerID(p.ID)]; ok && st.LastAliveMs > 0 {
			last = time.UnixMilli(st.LastAliveMs).UTC().Format(time.RFC3339)
			if st.Status != "" {
				last += " (" + string(st.Status) + ")"
			}
		}
		fmt.Fprintf(out, "  %s %-4d %-12s max_recovery=%s alive_timeout=%s last_alive=%s\n",
			branch, p.ID, p.Name, p.MaxRecoveryTime, p.AliveViolationTimeout, last)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Servers:")
	fmt.Fprintf(out, "  ├─ Admin API:        %s\n", enabledAt(cfg.Admin.Enabled, cfg.Admin.Addr))
	fmt.Fprintf(out, "  ├─ gRPC Health:      %s\n", enabledAt(cfg.Health.Enabled, cfg.Health.Addr))
	fmt.Fprintf(out, "  └─ Metrics:          %s\n", enabledAt(cfg.Metrics.Enabled, cfg.Metrics.Addr))
	return nil
}

// persistedStates 讀取狀態檔並套用 WAL（與 controller 重啟時相同的順序）
func persistedStates(cfg *Config) (map[types.ProducerID]wal.ProducerState, error) {
	states := make(map[types.ProducerID]wal.ProducerState)

	if cfg.Feed.SnapshotPath != "" {
		data, err := snapshot.NewManager(cfg.Feed.SnapshotPath).Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load state file: %w", err)
		}
		for id, st := range data.Producers {
			states[id] = wal.ProducerState{LastAliveMs: st.LastAliveMs, Status: st.Status}
		}
	}

	if cfg.Feed.WALPath != "" {
		if _, err := os.Stat(cfg.Feed.WALPath); err == nil {
			journal, err := wal.LoadStates(cfg.Feed.WALPath)
			if err != nil && !errors.Is(err, wal.ErrCorruptedWAL) {
				return nil, fmt.Errorf("failed to read WAL: %w", err)
			}
			for id, st := range journal {
				merged := states[id]
				if st.LastAliveMs > merged.LastAliveMs {
					merged.LastAliveMs = st.LastAliveMs
				}
				if st.Status != "" {
					merged.Status = st.Status
				}
				states[id] = merged
			}
		}
	}
	return states, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func enabledAt(enabled bool, addr string) string {
	if !enabled {
		return "disabled"
	}
	return "enabled on " + addr
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump the producer WAL in readable form",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Feed.WALPath == "" {
				return fmt.Errorf("feed.wal_path is not configured")
			}
			return wal.DumpWAL(cfg.Feed.WALPath, cmd.OutOrStdout())
		},
	}
	return cmd
}
