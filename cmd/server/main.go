// Command server is the duty-duck monitoring execution engine's operator
// binary: it hosts the HTTP Monitor Executor, the scheduled-task and dead
// task-run collectors, the Notification Dispatcher, and a small
// internal admin HTTP surface, wired together per subcommand so each
// component can be run standalone or as a long-running worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/duty-duck/duty-duck-sub000/internal/adminhttp"
	"github.com/duty-duck/duty-duck-sub000/internal/config"
	"github.com/duty-duck/duty-duck-sub000/internal/core/collector"
	"github.com/duty-duck/duty-duck-sub000/internal/core/deadrun"
	"github.com/duty-duck/duty-duck-sub000/internal/core/httpmonitor"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/notifydispatch"
	"github.com/duty-duck/duty-duck-sub000/internal/obsmetrics"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/postgres"
	"github.com/duty-duck/duty-duck-sub000/internal/version"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "duty-duck-server",
	Short: "Background execution engine for duty-duck: HTTP monitors, scheduled task lifecycle, and incident notifications.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		cfg.FromEnv()
		cfg.DatabaseURL = firstNonEmpty(viper.GetString("database-url"), cfg.DatabaseURL)
		cfg.AdminAddr = firstNonEmpty(viper.GetString("admin-addr"), cfg.AdminAddr)
		if p := viper.GetInt("admin-port"); p != 0 {
			cfg.AdminPort = p
		}
		return nil
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().String("database-url", "", "postgres connection string")
	rootCmd.PersistentFlags().String("admin-addr", "", "address the internal admin HTTP server binds to")
	rootCmd.PersistentFlags().Int("admin-port", 9090, "port the internal admin HTTP server binds to")
	for _, f := range []string{"database-url", "admin-addr", "admin-port"} {
		if err := viper.BindPFlag(f, rootCmd.PersistentFlags().Lookup(f)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("dutyduck")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	runCmd := &cobra.Command{Use: "run", Short: "Run one sweeper or worker pool."}
	runCmd.AddCommand(
		newBatchCmd("http-monitors", "Probe due HTTP monitors and materialize status transitions.", runHTTPMonitors),
		newBatchCmd("incident-notifications", "Dispatch claimed incident notifications.", runIncidentNotifications),
		newBatchCmd("collect-due-tasks", "Transition Healthy/Pending tasks past their due time to Due.", runDueTasks),
		newBatchCmd("collect-late-tasks", "Transition Due tasks past their start window to Late.", runLateTasks),
		newBatchCmd("collect-absent-tasks", "Transition Late tasks past their lateness window to Absent.", runAbsentTasks),
		newBatchCmd("collect-dead-task-runs", "Declare Running task runs past their heartbeat timeout Dead.", runDeadTaskRuns),
		newBatchCmd("clear-dead-task-runs", "Prune terminal task runs older than the retention window.", runClearDeadTaskRuns),
		newMaintenanceCmd("create-monthly-partitions", "Ensure the incident/event partitions for the current and upcoming months exist.", runCreateMonthlyPartitions),
	)
	rootCmd.AddCommand(runCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.StringFull())
	},
}

// batchRunner performs either a single batch (once=true) or starts the
// matching long-running worker pool, mirroring spec.md §6's "Used both by
// workers and by an operator-triggered one-shot."
type batchRunner func(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error

func newBatchCmd(use, short string, run batchRunner) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			db, err := postgres.NewDB(cfg.DatabaseURL, cfg.DatabaseMaxConnections)
			if err != nil {
				return err
			}
			defer db.Close()

			metrics := obsmetrics.New(obsmetrics.DefaultConfig())
			admin := startAdminServer(metrics)
			defer shutdownAdminServer(admin)

			return run(ctx, db, metrics, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single batch and exit instead of starting a worker pool")
	return cmd
}

func newMaintenanceCmd(use, short string, run func(ctx context.Context, db *postgres.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			db, err := postgres.NewDB(cfg.DatabaseURL, cfg.DatabaseMaxConnections)
			if err != nil {
				return err
			}
			defer db.Close()

			return run(ctx, db)
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

func startAdminServer(metrics *obsmetrics.Exporter) *adminhttp.Server {
	addr := cfg.AdminAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.AdminPort)
	}
	s := adminhttp.New(metrics, nil)
	go func() {
		if err := s.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin http server stopped unexpectedly", "error", err)
		}
	}()
	return s
}

func shutdownAdminServer(s *adminhttp.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("admin http server shutdown failed", "error", err)
	}
}

func runHTTPMonitors(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	m := materializer.New(postgres.IncidentRepository{}, postgres.IncidentEventRepository{}, postgres.IncidentNotificationRepository{})
	e := httpmonitor.New(postgres.MonitorRepository{}, db, m, httpmonitor.NewHTTPProber(false), nil)
	e.ProbeRateLimit = rate.Limit(cfg.HTTPMonitorsProbeRatePerSecond)
	e.ProbeBurst = cfg.HTTPMonitorsProbeRateBurst

	if once {
		start := time.Now()
		count, err := e.ExecuteBatch(ctx, cfg.HTTPMonitors.SelectLimit, cfg.HTTPMonitorsPingConcurrency)
		metrics.RecordBatch("http_monitors", time.Since(start), count, err)
		return err
	}
	return e.RunWorkers(ctx, cfg.HTTPMonitors.Workers, cfg.HTTPMonitors.SelectLimit, cfg.HTTPMonitorsPingConcurrency, cfg.HTTPMonitors.Interval)
}

func runIncidentNotifications(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	d := notifydispatch.New(
		postgres.IncidentNotificationRepository{}, postgres.IncidentEventRepository{}, db,
		loggingDirectory{}, loggingTransport{}, loggingTransport{}, loggingTransport{},
	)
	if once {
		start := time.Now()
		count, err := d.DispatchBatch(ctx, time.Now(), cfg.Notifications.SelectLimit)
		metrics.RecordBatch("incident_notifications", time.Since(start), count, err)
		return err
	}
	d.RunWorkers(ctx, cfg.Notifications.Interval, cfg.Notifications.SelectLimit)
	return nil
}

// collectorBatch is the shape every sweeper's Collect method shares.
type collectorBatch func(ctx context.Context, now time.Time, limit int) (int, error)

// collectorWorkers is the shape every sweeper's RunWorkers method shares: a
// single ticking loop, blocking until ctx is cancelled.
type collectorWorkers func(ctx context.Context, interval time.Duration, selectLimit int)

func runDueTasks(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	c := collector.NewDueCollector(postgres.TaskRepository{}, db)
	return runCollectorCmd(ctx, metrics, "due_tasks", cfg.DueTasks, once, c.Collect, c.RunWorkers)
}

func runLateTasks(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	m := materializer.New(postgres.IncidentRepository{}, postgres.IncidentEventRepository{}, postgres.IncidentNotificationRepository{})
	c := collector.NewLateCollector(postgres.TaskRepository{}, db, m)
	return runCollectorCmd(ctx, metrics, "late_tasks", cfg.LateTasks, once, c.Collect, c.RunWorkers)
}

func runAbsentTasks(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	m := materializer.New(postgres.IncidentRepository{}, postgres.IncidentEventRepository{}, postgres.IncidentNotificationRepository{})
	c := collector.NewAbsentCollector(postgres.TaskRepository{}, db, m)
	return runCollectorCmd(ctx, metrics, "absent_tasks", cfg.AbsentTasks, once, c.Collect, c.RunWorkers)
}

func runDeadTaskRuns(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	m := materializer.New(postgres.IncidentRepository{}, postgres.IncidentEventRepository{}, postgres.IncidentNotificationRepository{})
	c := deadrun.New(postgres.TaskRepository{}, postgres.TaskRunRepository{}, db, m)
	return runCollectorCmd(ctx, metrics, "dead_task_runs", cfg.DeadTaskRuns, once, c.Collect, c.RunWorkers)
}

func runCollectorCmd(
	ctx context.Context, metrics *obsmetrics.Exporter, component string, cc config.ComponentConfig, once bool,
	collect collectorBatch, runWorkers collectorWorkers,
) error {
	if once {
		start := time.Now()
		count, err := collect(ctx, time.Now(), cc.SelectLimit)
		metrics.RecordBatch(component, time.Since(start), count, err)
		return err
	}
	if cc.Workers > 1 {
		slog.Warn("component configured with workers > 1, but this sweeper runs a single ticking loop per process; run additional processes for more concurrency", "component", component, "workers", cc.Workers)
	}
	runWorkers(ctx, cc.Interval, cc.SelectLimit)
	return nil
}

// runClearDeadTaskRuns prunes terminal (Dead/Aborted/Finished/Failed) task runs
// older than the configured retention window. It is pure janitorial work
// over the same aggregate the Dead Task-Run Collector owns, so it talks to
// TaskRunRepository directly rather than through a core package.
func runClearDeadTaskRuns(ctx context.Context, db *postgres.DB, metrics *obsmetrics.Exporter, once bool) error {
	clear := func() (int, error) {
		taskRuns := postgres.TaskRunRepository{}
		var deleted int64
		err := db.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
			var txErr error
			deleted, txErr = taskRuns.DeleteTerminalOlderThan(ctx, q, time.Now().Add(-cfg.DeadTaskRunRetention))
			return txErr
		})
		return int(deleted), err
	}

	if once {
		start := time.Now()
		count, err := clear()
		metrics.RecordBatch("clear_dead_task_runs", time.Since(start), count, err)
		return err
	}

	ticker := time.NewTicker(cfg.DeadTaskRuns.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := clear(); err != nil {
				slog.Error("clear dead task runs batch failed", "error", err)
			}
		}
	}
}

func runCreateMonthlyPartitions(ctx context.Context, db *postgres.DB) error {
	maintenance := postgres.MaintenanceRepository{}
	now := time.Now()
	return db.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		for i := 0; i < cfg.PartitionLookaheadMonths; i++ {
			month := now.AddDate(0, i, 0)
			if err := maintenance.EnsurePartitionsForMonth(ctx, q, month); err != nil {
				return err
			}
		}
		return nil
	})
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
