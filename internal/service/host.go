// Package service binds the subsystems into the per-worker host the pool
// executes tasks on, and into the daemon the command wires together.
package service

import (
	"context"
	"fmt"

	"github.com/quasarhq/quasar/internal/actions"
	"github.com/quasarhq/quasar/internal/broker"
	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/ingestion"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/plugins"
	"github.com/quasarhq/quasar/internal/worker"
)

// Flusher drains buffered writes. The plugin log batcher satisfies it.
type Flusher interface {
	Flush()
}

// Host routes pool tasks to the subsystems. Each worker owns one: the plugin
// manager and action index inside it are worker-local, everything else is a
// thread-safe shared handle.
type Host struct {
	plugins   *plugins.Manager
	actions   *actions.Manager
	processor *ingestion.Processor
	producer  broker.Producer
	flushers  []Flusher
}

// NewHost builds one worker host. flushers may be empty.
func NewHost(pm *plugins.Manager, am *actions.Manager, proc *ingestion.Processor, producer broker.Producer, flushers ...Flusher) *Host {
	return &Host{
		plugins:   pm,
		actions:   am,
		processor: proc,
		producer:  producer,
		flushers:  flushers,
	}
}

// Execute dispatches one task. Unknown kinds fail rather than vanish.
func (h *Host) Execute(ctx context.Context, t worker.Task) worker.Result {
	switch t.Kind {
	case worker.ProcessEvent:
		event, err := h.plugins.RunProcessEvent(ctx, t.Event)
		return worker.Result{Event: event, Err: err}

	case worker.ProcessEventBatch:
		events, err := h.plugins.RunProcessEventBatch(ctx, t.TeamID, t.Events)
		return worker.Result{Events: events, Err: err}

	case worker.IngestEvent:
		return worker.Result{Event: t.Event, Err: h.ingest(ctx, t.Event)}

	case worker.MatchActions:
		return worker.Result{Matches: h.actions.Match(t.Event, elementsOf(t.Event))}

	case worker.RunEveryMinute:
		return worker.Result{Err: h.plugins.RunPluginTask(ctx, plugins.TaskRunEveryMinute, t.ConfigID)}
	case worker.RunEveryHour:
		return worker.Result{Err: h.plugins.RunPluginTask(ctx, plugins.TaskRunEveryHour, t.ConfigID)}
	case worker.RunEveryDay:
		return worker.Result{Err: h.plugins.RunPluginTask(ctx, plugins.TaskRunEveryDay, t.ConfigID)}

	case worker.GetPluginSchedule:
		if schedule := h.plugins.Schedule(); schedule != nil {
			return worker.Result{Schedule: schedule}
		}
		schedule, err := h.plugins.LoadSchedule(ctx)
		return worker.Result{Schedule: schedule, Err: err}

	case worker.ReloadPlugins:
		if err := h.plugins.SetupPlugins(ctx); err != nil {
			return worker.Result{Err: err}
		}
		_, err := h.plugins.LoadSchedule(ctx)
		return worker.Result{Err: err}

	case worker.ReloadSchedule:
		_, err := h.plugins.LoadSchedule(ctx)
		return worker.Result{Err: err}

	case worker.ReloadAction:
		return worker.Result{Err: h.actions.Reload(ctx, t.TeamID, t.ActionID)}
	case worker.ReloadAllActions:
		return worker.Result{Err: h.actions.ReloadAll(ctx)}
	case worker.DropAction:
		h.actions.Drop(t.TeamID, t.ActionID)
		return worker.Result{}

	case worker.TeardownPlugins:
		h.plugins.Teardown(ctx)
		return worker.Result{}

	case worker.FlushQueuedWrites:
		h.plugins.FlushExports(ctx)
		for _, f := range h.flushers {
			f.Flush()
		}
		if h.producer != nil {
			if err := h.producer.Flush(ctx); err != nil {
				return worker.Result{Err: err}
			}
		}
		return worker.Result{}

	default:
		return worker.Result{Err: fmt.Errorf("unknown task kind %q", t.Kind)}
	}
}

// ingest materializes the event and then delivers the export hooks. Hook
// failures are recorded against their configs, never propagated: the event is
// already published.
func (h *Host) ingest(ctx context.Context, event *domain.PluginEvent) error {
	// Ingest consumes $elements from the properties; capture them first so
	// action matching still sees the chain.
	elements := elementsOf(event)
	if err := h.processor.Ingest(ctx, event); err != nil {
		return err
	}
	if event.Event == "$snapshot" {
		h.plugins.RunOnSnapshot(ctx, event)
	} else {
		h.plugins.RunOnEvent(ctx, event)
	}
	if matched := h.actions.Match(event, elements); len(matched) > 0 {
		names := make([]string, len(matched))
		for i, action := range matched {
			names[i] = action.Name
		}
		logging.Op().Debug("event matched actions", "team_id", event.TeamID, "uuid", event.UUID, "actions", names)
	}
	return nil
}

func elementsOf(event *domain.PluginEvent) []domain.Element {
	if event == nil || event.Properties == nil {
		return nil
	}
	return ingestion.ParseElements(event.Properties["$elements"])
}
