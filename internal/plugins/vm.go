// Package plugins owns the plugin lifecycle: loading rows from the store,
// compiling archives into VMs, the per-team ordered pipelines, scheduled
// task invocation, and capability discovery.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

// Scheduled task identifiers a plugin may export.
const (
	TaskRunEveryMinute = "runEveryMinute"
	TaskRunEveryHour   = "runEveryHour"
	TaskRunEveryDay    = "runEveryDay"
)

// ScheduledTaskNames enumerates the recognized task identifiers in order.
var ScheduledTaskNames = []string{TaskRunEveryMinute, TaskRunEveryHour, TaskRunEveryDay}

// RetryError marks a plugin init failure as transient: setup is retried with
// backoff instead of disabling the plugin.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retriable plugin error: %v", e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err requests a setup retry.
func IsRetryable(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}

// CacheAPI is the shared, redis-backed key/value surface handed to plugins.
// No ordering guarantees.
type CacheAPI interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// StorageAPI is the per-config persistent key/value surface.
type StorageAPI interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// Meta is the per-invocation context a plugin method receives.
type Meta struct {
	Config      *domain.PluginConfig
	Attachments map[string]domain.Attachment
	// Global is per-VM mutable state, confined to a single worker.
	Global  map[string]any
	Cache   CacheAPI
	Storage StorageAPI
	// Log captures plugin console output into plugin_log_entries.
	Log func(typ, message string)
}

// Plugin method signatures.
type (
	ProcessEventFunc      func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error)
	ProcessEventBatchFunc func(ctx context.Context, meta *Meta, events []*domain.PluginEvent) ([]*domain.PluginEvent, error)
	OnEventFunc           func(ctx context.Context, meta *Meta, event *domain.PluginEvent) error
	ExportEventsFunc      func(ctx context.Context, meta *Meta, events []*domain.PluginEvent) error
	TeardownFunc          func(ctx context.Context, meta *Meta) error
	TaskFunc              func(ctx context.Context, meta *Meta) error
	JobFunc               func(ctx context.Context, meta *Meta, payload map[string]any) error
)

// Methods is the tagged record of optional plugin callables. Dispatch is on
// presence, never on name lookup.
type Methods struct {
	ProcessEvent      ProcessEventFunc
	ProcessEventBatch ProcessEventBatchFunc
	OnEvent           OnEventFunc
	OnSnapshot        OnEventFunc
	ExportEvents      ExportEventsFunc
	TeardownPlugin    TeardownFunc
}

// Names enumerates the present methods in a fixed order.
func (m Methods) Names() []string {
	var names []string
	if m.ProcessEvent != nil {
		names = append(names, "processEvent")
	}
	if m.ProcessEventBatch != nil {
		names = append(names, "processEventBatch")
	}
	if m.OnEvent != nil {
		names = append(names, "onEvent")
	}
	if m.OnSnapshot != nil {
		names = append(names, "onSnapshot")
	}
	if m.ExportEvents != nil {
		names = append(names, "exportEvents")
	}
	if m.TeardownPlugin != nil {
		names = append(names, "teardownPlugin")
	}
	return names
}

// VM is a compiled plugin runtime bound to one config.
type VM struct {
	Methods Methods
	Tasks   map[string]TaskFunc
	Jobs    map[string]JobFunc
}

// Capabilities derives the declarative capability summary from the compiled
// VM's exports.
func (v *VM) Capabilities() domain.Capabilities {
	caps := domain.Capabilities{Methods: v.Methods.Names()}
	for _, name := range ScheduledTaskNames {
		if _, ok := v.Tasks[name]; ok {
			caps.ScheduledTasks = append(caps.ScheduledTasks, name)
		}
	}
	for name := range v.Jobs {
		caps.Jobs = append(caps.Jobs, name)
	}
	sortStrings(caps.Jobs)
	return caps
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
