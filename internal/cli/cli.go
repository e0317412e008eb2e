// Package cli provides the command line interface for the fiber
// scheduler, built on Cobra.
//
// Command Structure:
//   beaver-fiber                  # Root command
//   ├── run                       # Start a pool and serve metrics
//   │   └── --config, -c         # Specify config file
//   ├── bench                     # Run a synthetic load and report throughput
//   │   └── --config, -c
//   │   └── --tasks, -n
//   └── --version
//
// run Command:
//   1. Load config file (falls back to defaults)
//   2. Init the scheduler Pool
//   3. Start the metrics HTTP server, if enabled
//   4. Listen for SIGINT/SIGTERM
//   5. WaitAndStop for a graceful drain
//
// bench Command:
//   Submits a configurable number of near-no-op tasks (each carrying a
//   small allocator-bridge payload it must free, like a real workload
//   would), waits for the pool to drain, and reports elapsed time and
//   throughput. Useful for sanity checking a tuning change to
//   fiber_count/sync_counter_count/workers.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-fiber/internal/alloc"
	"github.com/ChuLiYu/beaver-fiber/internal/config"
	"github.com/ChuLiYu/beaver-fiber/internal/metrics"
	"github.com/ChuLiYu/beaver-fiber/internal/scheduler"
	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
)

var configFile string

// BuildCLI constructs the root Cobra command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-fiber",
		Short: "Beaver-Fiber: a fiber-based cooperative task scheduler",
		Long: `Beaver-Fiber runs user tasks on goroutine-backed fibers,
coordinated through sync counters and MPMC queues instead of
futures or callbacks.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults to built-in tuning)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBenchCommand())

	return rootCmd
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler pool and serve metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool()
		},
	}
	return cmd
}

func runPool() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cli: invalid config: %w", err)
	}

	slog.Info("starting beaver-fiber",
		"fiber_count", cfg.Scheduler.FiberCount,
		"workers", cfg.Scheduler.MinWorkers,
	)

	pool := scheduler.New(cfg.Scheduler)
	if err := pool.Init(); err != nil {
		return fmt.Errorf("cli: init pool: %w", err)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		pool.AttachMetrics(collector)
		go pollPoolStats(pool, collector)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received, draining pool")
	pool.WaitAndStop()
	slog.Info("pool stopped")
	return nil
}

// pollPoolStats periodically pushes Pool gauges into the metrics
// collector; it runs for the lifetime of the process.
func pollPoolStats(pool *scheduler.Pool, collector *metrics.Collector) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		idle, awake := pool.FiberCounts()
		collector.UpdatePoolStats(idle, awake, pool.TaskQueueDepth())
		collector.UpdateWaiterCount(pool.TotalWaiters())
	}
}

func buildBenchCommand() *cobra.Command {
	var taskCount int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Submit a synthetic load of no-op tasks and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(taskCount)
		},
	}
	cmd.Flags().IntVarP(&taskCount, "tasks", "n", 100_000, "number of no-op tasks to submit")
	return cmd
}

func runBench(taskCount int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	pool := scheduler.New(cfg.Scheduler)
	if err := pool.Init(); err != nil {
		return fmt.Errorf("cli: init pool: %w", err)
	}

	bridge := alloc.NewBridge(0, 0, 0)

	done := make(chan struct{})
	var remaining atomic.Int64
	remaining.Store(int64(taskCount))

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		h, err := bridge.Alloc(64, alloc.System)
		if err != nil {
			return fmt.Errorf("cli: alloc payload: %w", err)
		}
		if buf, err := bridge.Addr(h); err == nil {
			buf[0] = byte(i)
		}
		pool.Submit(fiber.Task{
			Payload: h,
			Fn: func(self *fiber.Runner, payload any) {
				// Payload ownership transferred with the task; the
				// runner frees it.
				_ = bridge.Free(payload.(alloc.Handle), alloc.System)
				if remaining.Add(-1) == 0 {
					close(done)
				}
			},
		})
	}
	<-done
	elapsed := time.Since(start)

	pool.WaitAndStop()

	rate := float64(taskCount) / elapsed.Seconds()
	fmt.Printf("ran %d tasks in %s (%.0f tasks/sec)\n", taskCount, elapsed, rate)
	return nil
}
