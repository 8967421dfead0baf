package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

// fakeStore is an in-memory plugin store for lifecycle tests.
type fakeStore struct {
	mu          sync.Mutex
	plugins     map[int64]*domain.Plugin
	configs     []*domain.PluginConfig
	attachments map[int64]map[string]domain.Attachment

	disabled     []int64
	errors       map[int64]*domain.PluginError
	capabilities map[int64]domain.Capabilities
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plugins:      map[int64]*domain.Plugin{},
		attachments:  map[int64]map[string]domain.Attachment{},
		errors:       map[int64]*domain.PluginError{},
		capabilities: map[int64]domain.Capabilities{},
	}
}

func (s *fakeStore) LoadPlugins(ctx context.Context) (map[int64]*domain.Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*domain.Plugin, len(s.plugins))
	for id, p := range s.plugins {
		out[id] = p
	}
	return out, nil
}

func (s *fakeStore) LoadPluginConfigs(ctx context.Context) ([]*domain.PluginConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.PluginConfig(nil), s.configs...), nil
}

func (s *fakeStore) LoadPluginAttachments(ctx context.Context) (map[int64]map[string]domain.Attachment, error) {
	return s.attachments, nil
}

func (s *fakeStore) DisablePluginConfig(ctx context.Context, configID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = append(s.disabled, configID)
	return nil
}

func (s *fakeStore) RecordPluginConfigError(ctx context.Context, configID int64, pluginErr *domain.PluginError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[configID] = pluginErr
	return nil
}

func (s *fakeStore) UpdatePluginCapabilities(ctx context.Context, pluginID int64, caps domain.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[pluginID] = caps
	return nil
}

// fnCompiler maps plugin names to canned VMs.
type fnCompiler struct {
	vms map[string]func() (*VM, error)
}

func (c *fnCompiler) Compile(ctx context.Context, plugin *domain.Plugin, config *domain.PluginConfig) (*VM, error) {
	build, ok := c.vms[plugin.Name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", plugin.Name)
	}
	return build()
}

func appendNameVM(name string, order *[]string, orderMu *sync.Mutex) func() (*VM, error) {
	return func() (*VM, error) {
		return &VM{Methods: Methods{
			ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error) {
				orderMu.Lock()
				*order = append(*order, name)
				orderMu.Unlock()
				event.Properties[name] = true
				return event, nil
			},
		}}, nil
	}
}

func waitReady(t *testing.T, m *Manager, configIDs ...int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range configIDs {
		m.mu.RLock()
		cs := m.configs[id]
		m.mu.RUnlock()
		if cs == nil {
			t.Fatalf("config %d not loaded", id)
		}
		if _, err := cs.lazy.Resolve(ctx); err != nil {
			t.Fatalf("resolve config %d: %v", id, err)
		}
	}
}

func TestPipelineRunsInOrderThenID(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{
		1: {ID: 1, Name: "a", Source: "x"},
		2: {ID: 2, Name: "b", Source: "x"},
		3: {ID: 3, Name: "c", Source: "x"},
	}
	// Orders 2, 1, 1: config 30 ties config 20 on order and loses on id.
	store.configs = []*domain.PluginConfig{
		{ID: 10, PluginID: 1, TeamID: 7, Order: 2, Enabled: true},
		{ID: 30, PluginID: 3, TeamID: 7, Order: 1, Enabled: true},
		{ID: 20, PluginID: 2, TeamID: 7, Order: 1, Enabled: true},
	}

	var order []string
	var orderMu sync.Mutex
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"a": appendNameVM("a", &order, &orderMu),
		"b": appendNameVM("b", &order, &orderMu),
		"c": appendNameVM("c", &order, &orderMu),
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10, 20, 30)

	event := &domain.PluginEvent{TeamID: 7, Event: "pageview", Properties: map[string]any{}}
	out, err := m.RunProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("RunProcessEvent: %v", err)
	}
	if out == nil {
		t.Fatal("event unexpectedly dropped")
	}

	want := []string{"b", "c", "a"}
	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
}

func TestPluginDropTerminatesPipeline(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{
		1: {ID: 1, Name: "dropper", Source: "x"},
		2: {ID: 2, Name: "after", Source: "x"},
	}
	store.configs = []*domain.PluginConfig{
		{ID: 10, PluginID: 1, TeamID: 7, Order: 1, Enabled: true},
		{ID: 20, PluginID: 2, TeamID: 7, Order: 2, Enabled: true},
	}

	var afterRan bool
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"dropper": func() (*VM, error) {
			return &VM{Methods: Methods{
				ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error) {
					return nil, nil
				},
			}}, nil
		},
		"after": func() (*VM, error) {
			return &VM{Methods: Methods{
				ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error) {
					afterRan = true
					return event, nil
				},
			}}, nil
		},
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10, 20)

	out, err := m.RunProcessEvent(context.Background(), &domain.PluginEvent{TeamID: 7, Event: "e", Properties: map[string]any{}})
	if err != nil {
		t.Fatalf("RunProcessEvent: %v", err)
	}
	if out != nil {
		t.Fatal("dropped event came back non-nil")
	}
	if afterRan {
		t.Fatal("pipeline continued past a drop")
	}
}

func TestPluginThrowContinuesWithUnchangedEvent(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{
		1: {ID: 1, Name: "thrower", Source: "x"},
		2: {ID: 2, Name: "witness", Source: "x"},
	}
	store.configs = []*domain.PluginConfig{
		{ID: 10, PluginID: 1, TeamID: 7, Order: 1, Enabled: true},
		{ID: 20, PluginID: 2, TeamID: 7, Order: 2, Enabled: true},
	}

	var seen map[string]any
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"thrower": func() (*VM, error) {
			return &VM{Methods: Methods{
				ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error) {
					event.Properties["tainted"] = true
					return nil, errors.New("boom")
				},
			}}, nil
		},
		"witness": func() (*VM, error) {
			return &VM{Methods: Methods{
				ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.PluginEvent) (*domain.PluginEvent, error) {
					seen = event.Properties
					return event, nil
				},
			}}, nil
		},
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10, 20)

	out, err := m.RunProcessEvent(context.Background(), &domain.PluginEvent{TeamID: 7, Event: "e", Properties: map[string]any{"clean": true}})
	if err != nil {
		t.Fatalf("RunProcessEvent: %v", err)
	}
	if out == nil {
		t.Fatal("throwing plugin dropped the event")
	}
	if _, tainted := seen["tainted"]; tainted {
		t.Fatal("mutation from a throwing plugin leaked to the next one")
	}
	if store.errors[10] == nil {
		t.Fatal("runtime error was not recorded against the config")
	}
}

func TestBrokenArchiveDisablesConfigAndPassesThrough(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{
		1: {ID: 1, Name: "broken", Archive: []byte("this is not a zip")},
	}
	store.configs = []*domain.PluginConfig{
		{ID: 10, PluginID: 1, TeamID: 7, Order: 1, Enabled: true},
	}

	m := NewManager(store, NewRegistryCompiler(), nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10)

	out, err := m.RunProcessEvent(context.Background(), &domain.PluginEvent{TeamID: 7, Event: "e", Properties: map[string]any{}})
	if err != nil {
		t.Fatalf("RunProcessEvent: %v", err)
	}
	if out == nil {
		t.Fatal("event dropped by a permanently failed plugin")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.disabled) != 1 || store.disabled[0] != 10 {
		t.Fatalf("disabled configs = %v, want [10]", store.disabled)
	}
	if store.errors[10] == nil {
		t.Fatal("setup error was not recorded")
	}
}

func TestSetupPluginsReusesUnchangedVMs(t *testing.T) {
	store := newFakeStore()
	updated := time.Now()
	store.plugins = map[int64]*domain.Plugin{1: {ID: 1, Name: "a", Source: "x", UpdatedAt: updated}}
	store.configs = []*domain.PluginConfig{{ID: 10, PluginID: 1, TeamID: 7, Enabled: true, UpdatedAt: updated}}

	var compiles int
	var mu sync.Mutex
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"a": func() (*VM, error) {
			mu.Lock()
			compiles++
			mu.Unlock()
			return &VM{}, nil
		},
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10)

	// Reload with identical timestamps: no recompile.
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10)
	mu.Lock()
	if compiles != 1 {
		mu.Unlock()
		t.Fatalf("compiled %d times after no-op reload, want 1", compiles)
	}
	mu.Unlock()

	// Touch the config row: recompile.
	store.mu.Lock()
	store.configs[0].UpdatedAt = updated.Add(time.Minute)
	store.mu.Unlock()
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10)
	mu.Lock()
	defer mu.Unlock()
	if compiles != 2 {
		t.Fatalf("compiled %d times after config change, want 2", compiles)
	}
}

func TestExportEventsBatchesAndFlushes(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{1: {ID: 1, Name: "exporter", Source: "x"}}
	store.configs = []*domain.PluginConfig{{ID: 10, PluginID: 1, TeamID: 7, Enabled: true}}

	var mu sync.Mutex
	var batches [][]*domain.PluginEvent
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"exporter": func() (*VM, error) {
			return &VM{Methods: Methods{
				ExportEvents: func(ctx context.Context, meta *Meta, events []*domain.PluginEvent) error {
					mu.Lock()
					batches = append(batches, events)
					mu.Unlock()
					return nil
				},
			}}, nil
		},
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	waitReady(t, m, 10)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.RunOnEvent(ctx, &domain.PluginEvent{TeamID: 7, Event: fmt.Sprintf("e%d", i)})
	}
	mu.Lock()
	if len(batches) != 0 {
		mu.Unlock()
		t.Fatalf("exported %d batches before flush, want 0", len(batches))
	}
	mu.Unlock()

	m.FlushExports(ctx)
	mu.Lock()
	if len(batches) != 1 || len(batches[0]) != 3 {
		mu.Unlock()
		t.Fatalf("flush delivered %v, want one batch of 3", batches)
	}
	mu.Unlock()

	// A full buffer delivers on its own.
	for i := 0; i < exportBatchSize; i++ {
		m.RunOnEvent(ctx, &domain.PluginEvent{TeamID: 7, Event: "bulk"})
	}
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 || len(batches[1]) != exportBatchSize {
		t.Fatalf("full buffer did not deliver a batch of %d", exportBatchSize)
	}
}

func TestLoadSchedule(t *testing.T) {
	store := newFakeStore()
	store.plugins = map[int64]*domain.Plugin{
		1: {ID: 1, Name: "minutely", Source: "x"},
		2: {ID: 2, Name: "plain", Source: "x"},
	}
	store.configs = []*domain.PluginConfig{
		{ID: 20, PluginID: 1, TeamID: 7, Enabled: true},
		{ID: 10, PluginID: 1, TeamID: 8, Enabled: true},
		{ID: 30, PluginID: 2, TeamID: 7, Enabled: true},
	}
	compiler := &fnCompiler{vms: map[string]func() (*VM, error){
		"minutely": func() (*VM, error) {
			return &VM{Tasks: map[string]TaskFunc{
				TaskRunEveryMinute: func(ctx context.Context, meta *Meta) error { return nil },
			}}, nil
		},
		"plain": func() (*VM, error) { return &VM{}, nil },
	}}

	m := NewManager(store, compiler, nil, nil, nil, "test")
	if err := m.SetupPlugins(context.Background()); err != nil {
		t.Fatalf("SetupPlugins: %v", err)
	}
	if m.Schedule() != nil {
		t.Fatal("schedule non-nil before first load")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	schedule, err := m.LoadSchedule(ctx)
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	got := schedule[TaskRunEveryMinute]
	if len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Fatalf("runEveryMinute configs = %v, want [10 20]", got)
	}
	if _, ok := schedule[TaskRunEveryHour]; ok {
		t.Fatal("hourly bucket present with no hourly tasks")
	}
}
