// Package config loads the scheduler's compile/init-time tuning knobs
// from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SchedulerConfig holds the pool's init-time tuning knobs.
type SchedulerConfig struct {
	// FiberCount is the total number of fibers created at init; it
	// bounds how much suspended work the pool can hold concurrently.
	FiberCount int `yaml:"fiber_count"`

	// TaskQueueCapacity, if > 0, makes the task queue bounded at that
	// capacity; 0 means unbounded.
	TaskQueueCapacity int `yaml:"task_queue_capacity"`

	// AwakeQueueCapacity is retained for config-file compatibility with
	// a bounded-variant option. This implementation always backs the
	// awake queue with the unbounded linked queue: a
	// Decrement that releases waiters must never block on queue space,
	// since it runs inside the counter slot's critical section, and a
	// bounded awake queue could deadlock a decrementer against a worker
	// that is itself waiting to push onto the same queue. The idle queue
	// is unbounded for the same reason, and additionally never overflows
	// since every fiber is either idle or not.
	AwakeQueueCapacity int `yaml:"awake_queue_capacity"`

	// SyncCounterCount is the width of the counter table.
	SyncCounterCount int `yaml:"sync_counter_count"`

	// MinWorkers/MaxWorkers bound the OS-thread-equivalent worker
	// goroutine count. This implementation starts MinWorkers workers at
	// Init and does not currently grow toward MaxWorkers at runtime;
	// MaxWorkers is retained for config-file compatibility and future
	// elastic scaling.
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`

	// ShutdownGraceMS is the small sleep, in milliseconds, between
	// signaling stop and waking blocked queue operations, giving
	// in-flight pops a chance to observe the running flag before the
	// wake.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
}

// ShutdownGrace returns the grace period as a duration.
func (s SchedulerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMS) * time.Millisecond
}

// MetricsConfig configures the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config with workable general-purpose sizes (e.g. a
// 1024-wide counter table).
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			FiberCount:         256,
			TaskQueueCapacity:  0,
			AwakeQueueCapacity: 0,
			SyncCounterCount:   1024,
			MinWorkers:         4,
			MaxWorkers:         4,
			ShutdownGraceMS:    20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads and decodes a YAML config file, filling in default values
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.FiberCount <= 0 {
		return fmt.Errorf("config: fiber_count must be > 0, got %d", s.FiberCount)
	}
	if s.SyncCounterCount <= 0 {
		return fmt.Errorf("config: sync_counter_count must be > 0, got %d", s.SyncCounterCount)
	}
	if s.MinWorkers <= 0 {
		return fmt.Errorf("config: min_workers must be > 0, got %d", s.MinWorkers)
	}
	if s.MaxWorkers < s.MinWorkers {
		return fmt.Errorf("config: max_workers (%d) must be >= min_workers (%d)", s.MaxWorkers, s.MinWorkers)
	}
	if s.TaskQueueCapacity < 0 {
		return fmt.Errorf("config: task_queue_capacity must be >= 0, got %d", s.TaskQueueCapacity)
	}
	if s.AwakeQueueCapacity < 0 {
		return fmt.Errorf("config: awake_queue_capacity must be >= 0, got %d", s.AwakeQueueCapacity)
	}
	return nil
}
