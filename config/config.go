// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-unarchive/telemetry"
)

// Logger is an interface that defines the logging functions
// that are used by the engine. It is satisfied by [*slog.Logger].
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Option is a function pointer to implement the option pattern
type Option func(*Config)

// Config is a struct type that holds all config options
type Config struct {
	// gcTargetRatio is the share of the budget that a proactive garbage
	// collection tries to free
	gcTargetRatio float64

	// gcThreshold is the usage ratio that triggers a proactive garbage collection
	gcThreshold float64

	// logger stream for the engine
	logger Logger

	// maxAllocationAge is the age after which allocations are pruned under high pressure
	maxAllocationAge time.Duration

	// maxEntries is the maximum number of entries in an archive.
	// Set value to -1 to disable the check.
	maxEntries int64

	// maxExtractionSize is the maximum size of a single entry after decompression.
	// Set value to -1 to disable the check.
	maxExtractionSize int64

	// maxRestarts is the number of consecutive crashes after which an
	// execution context is given up
	maxRestarts int

	// memoryBudget is the number of bytes the admission controller may hand out
	memoryBudget int64

	// memoryCheckInterval is the interval of the background memory check
	memoryCheckInterval time.Duration

	// pruneThreshold is the usage ratio that additionally prunes old allocations
	pruneThreshold float64

	// taskTimeout is the default deadline of a submitted task
	taskTimeout time.Duration

	// telemetryHook is a function to consume telemetry data after finished operations
	// Important: do not adjust this value after the engine started
	telemetryHook telemetry.Hook

	// truncatedProbeFallback matches offset signatures at offset 0 if the probe
	// buffer is too short to contain the offset
	truncatedProbeFallback bool

	// workers is the number of execution contexts
	workers int
}

const (
	defaultGCTargetRatio          = 0.10             // free 10% of the budget
	defaultGCThreshold            = 0.80             // gc at 80% usage
	defaultMaxAllocationAge       = 5 * time.Minute  // prune allocations older than 5 minutes
	defaultMaxEntries             = 100000           // 100k entries
	defaultMaxExtractionSize      = 1 << (10 * 3)    // 1 Gb
	defaultMaxRestarts            = 3                // 3 consecutive crashes
	defaultMemoryBudget           = 512 << (10 * 2)  // 512 Mb
	defaultMemoryCheckInterval    = 5 * time.Second  // check memory every 5 seconds
	defaultPruneThreshold         = 0.90             // prune at 90% usage
	defaultTaskTimeout            = 60 * time.Second // 1 minute
	defaultTruncatedProbeFallback = true             // match tar at offset 0 for short probes
	defaultWorkers                = 1                // one execution context
)

var (
	// slog to discard
	defaultLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
)

// NewConfig is a generator option that takes opts as adjustments of the
// default configuration in an option pattern style.
func NewConfig(opts ...Option) *Config {

	// setup default values
	config := &Config{
		gcTargetRatio:          defaultGCTargetRatio,
		gcThreshold:            defaultGCThreshold,
		logger:                 defaultLogger,
		maxAllocationAge:       defaultMaxAllocationAge,
		maxEntries:             defaultMaxEntries,
		maxExtractionSize:      defaultMaxExtractionSize,
		maxRestarts:            defaultMaxRestarts,
		memoryBudget:           defaultMemoryBudget,
		memoryCheckInterval:    defaultMemoryCheckInterval,
		pruneThreshold:         defaultPruneThreshold,
		taskTimeout:            defaultTaskTimeout,
		telemetryHook:          telemetry.NoopHook,
		truncatedProbeFallback: defaultTruncatedProbeFallback,
		workers:                defaultWorkers,
	}

	// Loop through each option
	for _, opt := range opts {
		opt(config)
	}

	return config
}

// Validate checks the configuration for values the engine cannot operate with.
func (c *Config) Validate() error {
	if c.memoryBudget <= 0 {
		return fmt.Errorf("memory budget must be positive, got %d", c.memoryBudget)
	}
	if c.workers < 1 {
		return fmt.Errorf("at least one worker is required, got %d", c.workers)
	}
	if c.maxRestarts < 1 {
		return fmt.Errorf("max restarts must be at least 1, got %d", c.maxRestarts)
	}
	if c.taskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.taskTimeout)
	}
	if c.gcThreshold <= 0 || c.gcThreshold > 1 || c.pruneThreshold <= 0 || c.pruneThreshold > 1 {
		return fmt.Errorf("memory thresholds must be within (0, 1], got %.2f and %.2f", c.gcThreshold, c.pruneThreshold)
	}
	return nil
}

// CheckEntries checks if counter exceeds the configured maximum number of entries.
func (c *Config) CheckEntries(counter int64) error {

	// check if disabled
	if c.MaxEntries() == -1 {
		return nil
	}

	// check value
	if counter > c.MaxEntries() {
		return fmt.Errorf("too many entries in archive (%d > %d)", counter, c.MaxEntries())
	}
	return nil
}

// CheckExtractionSize checks if size exceeds the configured maximum extraction size.
func (c *Config) CheckExtractionSize(size int64) error {

	// check if disabled
	if c.MaxExtractionSize() == -1 {
		return nil
	}

	// check value
	if size > c.MaxExtractionSize() {
		return fmt.Errorf("maximum extraction size exceeded (%d > %d)", size, c.MaxExtractionSize())
	}
	return nil
}

// GCTarget returns the number of bytes a proactive garbage collection tries to free.
func (c *Config) GCTarget() int64 {
	return int64(float64(c.memoryBudget) * c.gcTargetRatio)
}

// GCThreshold returns the usage ratio that triggers a proactive garbage collection.
func (c *Config) GCThreshold() float64 {
	return c.gcThreshold
}

// Logger returns the logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// MaxAllocationAge returns the age after which allocations are pruned under high pressure.
func (c *Config) MaxAllocationAge() time.Duration {
	return c.maxAllocationAge
}

// MaxEntries returns the maximum number of entries in an archive.
func (c *Config) MaxEntries() int64 {
	return c.maxEntries
}

// MaxExtractionSize returns the maximum size of a single extracted entry.
func (c *Config) MaxExtractionSize() int64 {
	return c.maxExtractionSize
}

// MaxRestarts returns the number of consecutive crashes after which an
// execution context is marked as failed.
func (c *Config) MaxRestarts() int {
	return c.maxRestarts
}

// MemoryBudget returns the memory budget in bytes.
func (c *Config) MemoryBudget() int64 {
	return c.memoryBudget
}

// MemoryCheckInterval returns the interval of the background memory check.
func (c *Config) MemoryCheckInterval() time.Duration {
	return c.memoryCheckInterval
}

// PruneThreshold returns the usage ratio that additionally prunes old allocations.
func (c *Config) PruneThreshold() float64 {
	return c.pruneThreshold
}

// TaskTimeout returns the default deadline of a submitted task.
func (c *Config) TaskTimeout() time.Duration {
	return c.taskTimeout
}

// TelemetryHook returns the telemetry hook.
func (c *Config) TelemetryHook() telemetry.Hook {
	if c.telemetryHook == nil {
		return telemetry.NoopHook
	}
	return c.telemetryHook
}

// TruncatedProbeFallback returns true if signatures at an offset may be matched at
// offset 0 when the probe buffer is too short.
func (c *Config) TruncatedProbeFallback() bool {
	return c.truncatedProbeFallback
}

// Workers returns the number of execution contexts.
func (c *Config) Workers() int {
	return c.workers
}

// WithGCTargetRatio options pattern function to set the share of the budget a
// proactive garbage collection tries to free.
func WithGCTargetRatio(ratio float64) Option {
	return func(c *Config) {
		c.gcTargetRatio = ratio
	}
}

// WithGCThreshold options pattern function to set the usage ratio that triggers
// a proactive garbage collection.
func WithGCThreshold(threshold float64) Option {
	return func(c *Config) {
		c.gcThreshold = threshold
	}
}

// WithLogger options pattern function to set a custom logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxAllocationAge options pattern function to set the age after which
// allocations are pruned under high memory pressure.
func WithMaxAllocationAge(age time.Duration) Option {
	return func(c *Config) {
		c.maxAllocationAge = age
	}
}

// WithMaxEntries options pattern function to set the maximum number of entries
// in an archive. (-1 to disable check)
func WithMaxEntries(maxEntries int64) Option {
	return func(c *Config) {
		c.maxEntries = maxEntries
	}
}

// WithMaxExtractionSize options pattern function to set the maximum size of a
// single extracted entry. (-1 to disable check)
func WithMaxExtractionSize(maxExtractionSize int64) Option {
	return func(c *Config) {
		c.maxExtractionSize = maxExtractionSize
	}
}

// WithMaxRestarts options pattern function to set the number of consecutive
// crashes after which an execution context is given up.
func WithMaxRestarts(maxRestarts int) Option {
	return func(c *Config) {
		c.maxRestarts = maxRestarts
	}
}

// WithMemoryBudget options pattern function to set the memory budget in bytes.
func WithMemoryBudget(budget int64) Option {
	return func(c *Config) {
		c.memoryBudget = budget
	}
}

// WithMemoryCheckInterval options pattern function to set the interval of the
// background memory check.
func WithMemoryCheckInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.memoryCheckInterval = interval
	}
}

// WithPruneThreshold options pattern function to set the usage ratio that
// additionally prunes old allocations.
func WithPruneThreshold(threshold float64) Option {
	return func(c *Config) {
		c.pruneThreshold = threshold
	}
}

// WithTaskTimeout options pattern function to set the default task deadline.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.taskTimeout = timeout
	}
}

// WithTelemetryHook options pattern function to set a [telemetry.Hook], which is
// called after every load and extraction.
func WithTelemetryHook(hook telemetry.Hook) Option {
	return func(c *Config) {
		c.telemetryHook = hook
	}
}

// WithTruncatedProbeFallback options pattern function to enable/disable matching
// offset signatures at offset 0 for short probe buffers.
func WithTruncatedProbeFallback(enable bool) Option {
	return func(c *Config) {
		c.truncatedProbeFallback = enable
	}
}

// WithWorkers options pattern function to set the number of execution contexts.
func WithWorkers(workers int) Option {
	return func(c *Config) {
		c.workers = workers
	}
}
