package ingestion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/store"
	"github.com/quasarhq/quasar/internal/worker"
)

// Broadcaster is the slice of the worker pool the control puller needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, t worker.Task) error
}

// Control task names pushed onto the plugins queue by the web application.
const (
	taskReloadPlugins    = "posthog.tasks.plugins.reload_plugins"
	taskReloadSchedule   = "posthog.tasks.plugins.reload_schedule"
	taskReloadAction     = "posthog.tasks.actions.reload_action"
	taskReloadAllActions = "posthog.tasks.actions.reload_all_actions"
	taskDropAction       = "posthog.tasks.actions.drop_action"
)

const controlPollTimeout = 5 * time.Second

// ControlPuller drains the celery control queue in redis and converts each
// task into a pool broadcast so every worker's plugin host converges.
type ControlPuller struct {
	redis *store.RedisStore
	pool  Broadcaster
	queue string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewControlPuller wires the puller against the named celery queue.
func NewControlPuller(redis *store.RedisStore, pool Broadcaster, queue string) *ControlPuller {
	return &ControlPuller{
		redis: redis,
		pool:  pool,
		queue: queue,
		done:  make(chan struct{}),
	}
}

// Start begins draining the queue.
func (p *ControlPuller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop halts the puller and waits for the loop to exit.
func (p *ControlPuller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *ControlPuller) loop(ctx context.Context) {
	defer close(p.done)
	logging.Op().Info("control puller started", "queue", p.queue)
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.redis.BRPop(ctx, p.queue, controlPollTimeout)
		if errors.Is(err, store.ErrCacheMiss) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("control queue poll failed", "queue", p.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := p.dispatch(ctx, payload); err != nil && ctx.Err() == nil {
			logging.Op().Error("control task failed", "queue", p.queue, "error", err)
		}
	}
}

// celeryEnvelope is the redis transport framing: headers carry the task name,
// body is a base64 JSON triple [args, kwargs, embed].
type celeryEnvelope struct {
	Body    string `json:"body"`
	Headers struct {
		Task string `json:"task"`
		ID   string `json:"id"`
	} `json:"headers"`
}

func (p *ControlPuller) dispatch(ctx context.Context, payload []byte) error {
	var env celeryEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode control envelope: %w", err)
	}
	args, err := decodeCeleryArgs(env.Body)
	if err != nil {
		return fmt.Errorf("decode control args for %s: %w", env.Headers.Task, err)
	}

	task := worker.Task{}
	switch env.Headers.Task {
	case taskReloadPlugins:
		task.Kind = worker.ReloadPlugins
	case taskReloadSchedule:
		task.Kind = worker.ReloadSchedule
	case taskReloadAllActions:
		task.Kind = worker.ReloadAllActions
	case taskReloadAction, taskDropAction:
		if len(args) < 2 {
			return fmt.Errorf("%s: expected (team_id, action_id) args, got %d", env.Headers.Task, len(args))
		}
		task.TeamID = asInt64(args[0])
		task.ActionID = asInt64(args[1])
		if env.Headers.Task == taskReloadAction {
			task.Kind = worker.ReloadAction
		} else {
			task.Kind = worker.DropAction
		}
	default:
		logging.Op().Debug("ignoring unknown control task", "task", env.Headers.Task)
		return nil
	}

	logging.Op().Info("control task received", "task", env.Headers.Task, "id", env.Headers.ID)
	return p.pool.Broadcast(ctx, task)
}

func decodeCeleryArgs(body string) ([]any, error) {
	if body == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, err
	}
	var triple []json.RawMessage
	if err := json.Unmarshal(decoded, &triple); err != nil {
		return nil, err
	}
	if len(triple) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(triple[0], &args); err != nil {
		return nil, err
	}
	return args, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
