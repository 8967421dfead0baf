package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
)

// Store is the slice of the relational store the lifecycle manager needs.
type Store interface {
	LoadPlugins(ctx context.Context) (map[int64]*domain.Plugin, error)
	LoadPluginConfigs(ctx context.Context) ([]*domain.PluginConfig, error)
	LoadPluginAttachments(ctx context.Context) (map[int64]map[string]domain.Attachment, error)
	DisablePluginConfig(ctx context.Context, configID int64) error
	RecordPluginConfigError(ctx context.Context, configID int64, pluginErr *domain.PluginError) error
	UpdatePluginCapabilities(ctx context.Context, pluginID int64, caps domain.Capabilities) error
}

// StorageProvider hands out the per-config storage surface.
type StorageProvider interface {
	Storage(pluginID, configID int64) StorageAPI
}

// LogSink receives captured plugin log entries.
type LogSink interface {
	Enqueue(e *domain.PluginLogEntry)
}

// configState binds one enabled plugin config to its lazy VM and per-VM
// global state.
type configState struct {
	plugin *domain.Plugin
	config *domain.PluginConfig
	lazy   *LazyVM

	globalOnce sync.Once
	global     map[string]any

	// exportMu guards the exportEvents buffer for this config.
	exportMu  sync.Mutex
	exportBuf []*domain.PluginEvent

	pluginUpdatedAt time.Time
	configUpdatedAt time.Time
}

func (cs *configState) globalState() map[string]any {
	cs.globalOnce.Do(func() { cs.global = make(map[string]any) })
	return cs.global
}

// Manager owns the map (team id → ordered pipeline of plugin configs) for
// one worker. Workers never share plugin state; shared infrastructure
// (store, cache) arrives through thread-safe handles.
type Manager struct {
	store      Store
	compiler   Compiler
	cache      CacheAPI
	storage    StorageProvider
	logs       LogSink
	instanceID string

	mu       sync.RWMutex
	configs  map[int64]*configState
	byTeam   map[int64][]*configState
	schedule map[string][]int64 // nil until the first LoadSchedule completes
}

// NewManager builds an empty lifecycle manager. cache, storage, and logs may
// be nil; plugins then see no-op surfaces.
func NewManager(store Store, compiler Compiler, cache CacheAPI, storage StorageProvider, logs LogSink, instanceID string) *Manager {
	return &Manager{
		store:      store,
		compiler:   compiler,
		cache:      cache,
		storage:    storage,
		logs:       logs,
		instanceID: instanceID,
		configs:    make(map[int64]*configState),
		byTeam:     make(map[int64][]*configState),
	}
}

// SetupPlugins loads plugin, attachment, and config rows, reusing a compiled
// VM only when both the config's and the plugin's updated_at match the prior
// snapshot. Configs are grouped per team and sorted by (order, id).
func (m *Manager) SetupPlugins(ctx context.Context) error {
	plugins, err := m.store.LoadPlugins(ctx)
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	attachments, err := m.store.LoadPluginAttachments(ctx)
	if err != nil {
		return fmt.Errorf("load plugin attachments: %w", err)
	}
	configRows, err := m.store.LoadPluginConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load plugin configs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.configs
	configs := make(map[int64]*configState, len(configRows))
	byTeam := make(map[int64][]*configState)

	for _, cfg := range configRows {
		plugin, ok := plugins[cfg.PluginID]
		if !ok {
			logging.Op().Warn("plugin config references missing plugin", "plugin_config_id", cfg.ID, "plugin_id", cfg.PluginID)
			continue
		}
		if atts, ok := attachments[cfg.ID]; ok {
			cfg.Attachments = atts
		}

		if old, ok := prev[cfg.ID]; ok &&
			old.pluginUpdatedAt.Equal(plugin.UpdatedAt) &&
			old.configUpdatedAt.Equal(cfg.UpdatedAt) {
			configs[cfg.ID] = old
			byTeam[cfg.TeamID] = append(byTeam[cfg.TeamID], old)
			continue
		}

		cs := &configState{
			plugin:          plugin,
			config:          cfg,
			pluginUpdatedAt: plugin.UpdatedAt,
			configUpdatedAt: cfg.UpdatedAt,
		}
		cs.lazy = NewLazyVM(m.compileFunc(cs), m.failureFunc(cs))
		configs[cfg.ID] = cs
		byTeam[cfg.TeamID] = append(byTeam[cfg.TeamID], cs)
	}

	for _, list := range byTeam {
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i].config, list[j].config
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return a.ID < b.ID
		})
	}

	m.configs = configs
	m.byTeam = byTeam
	logging.Op().Info("plugins loaded", "plugins", len(plugins), "configs", len(configs), "teams", len(byTeam))
	return nil
}

// compileFunc returns the LazyVM setup function for one config: compile,
// then persist the capability descriptor if it changed.
func (m *Manager) compileFunc(cs *configState) func(ctx context.Context) (*VM, error) {
	return func(ctx context.Context) (*VM, error) {
		vm, err := m.compiler.Compile(ctx, cs.plugin, cs.config)
		if err != nil {
			metrics.VMSetup("fail")
			return nil, err
		}
		metrics.VMSetup("ok")

		caps := vm.Capabilities()
		if !caps.Equal(cs.plugin.Capabilities) {
			if err := m.store.UpdatePluginCapabilities(ctx, cs.plugin.ID, caps); err != nil {
				logging.Op().Warn("failed to persist plugin capabilities", "plugin_id", cs.plugin.ID, "error", err)
			} else {
				cs.plugin.Capabilities = caps
			}
		}
		m.logEntry(cs, "SYSTEM", "INFO", fmt.Sprintf("Plugin loaded (instance %s)", m.instanceID))
		return vm, nil
	}
}

// failureFunc handles permanent setup failure: disable the config, record
// the error, resolve null.
func (m *Manager) failureFunc(cs *configState) func(err error) {
	return func(err error) {
		metrics.VMSetup("permanent_fail")
		metrics.PluginError("setup")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if derr := m.store.DisablePluginConfig(ctx, cs.config.ID); derr != nil {
			logging.Op().Error("failed to disable plugin config", "plugin_config_id", cs.config.ID, "error", derr)
		}
		if rerr := m.store.RecordPluginConfigError(ctx, cs.config.ID, &domain.PluginError{
			Message: err.Error(),
			Time:    time.Now().UTC(),
		}); rerr != nil {
			logging.Op().Error("failed to record plugin error", "plugin_config_id", cs.config.ID, "error", rerr)
		}
		m.logEntry(cs, "SYSTEM", "ERROR", fmt.Sprintf("Plugin failed to load and was disabled: %v", err))
		logging.Op().Warn("plugin permanently failed", "plugin", cs.plugin.Name, "plugin_config_id", cs.config.ID, "error", err)
	}
}

func (m *Manager) metaFor(cs *configState) *Meta {
	meta := &Meta{
		Config:      cs.config,
		Attachments: cs.config.Attachments,
		Global:      cs.globalState(),
		Cache:       m.cache,
		Log: func(typ, message string) {
			m.logEntry(cs, "CONSOLE", typ, message)
		},
	}
	if m.storage != nil {
		meta.Storage = m.storage.Storage(cs.plugin.ID, cs.config.ID)
	}
	return meta
}

func (m *Manager) logEntry(cs *configState, source, typ, message string) {
	if m.logs == nil {
		return
	}
	m.logs.Enqueue(&domain.PluginLogEntry{
		TeamID:         cs.config.TeamID,
		PluginID:       cs.plugin.ID,
		PluginConfigID: cs.config.ID,
		Source:         source,
		Type:           typ,
		Message:        message,
		InstanceID:     m.instanceID,
	})
}

// pipeline returns the team's ordered config snapshot.
func (m *Manager) pipeline(teamID int64) []*configState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTeam[teamID]
}

// RunProcessEvent walks the team pipeline. A nil return with nil error means
// a plugin dropped the event; a plugin throw is recorded against its config
// and the unchanged event continues to the next one. Configs whose VM is not
// ready yet are skipped — ingestion cannot wait on compilation.
func (m *Manager) RunProcessEvent(ctx context.Context, event *domain.PluginEvent) (*domain.PluginEvent, error) {
	start := time.Now()
	defer func() {
		metrics.ObservePipeline(fmt.Sprintf("%d", event.TeamID), time.Since(start))
	}()

	current := event
	for _, cs := range m.pipeline(event.TeamID) {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil || vm.Methods.ProcessEvent == nil {
			continue
		}

		returned, err := vm.Methods.ProcessEvent(ctx, m.metaFor(cs), current.Copy())
		if err != nil {
			m.recordRuntimeError(cs, err, current)
			continue
		}
		if returned == nil {
			return nil, nil
		}
		current = returned
	}
	return current, nil
}

// RunProcessEventBatch prefers a plugin's processEventBatch over repeated
// processEvent calls. Dropped events leave the batch.
func (m *Manager) RunProcessEventBatch(ctx context.Context, teamID int64, events []*domain.PluginEvent) ([]*domain.PluginEvent, error) {
	current := events
	for _, cs := range m.pipeline(teamID) {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil {
			continue
		}

		switch {
		case vm.Methods.ProcessEventBatch != nil:
			returned, err := vm.Methods.ProcessEventBatch(ctx, m.metaFor(cs), current)
			if err != nil {
				m.recordRuntimeError(cs, err, nil)
				continue
			}
			current = returned
		case vm.Methods.ProcessEvent != nil:
			var kept []*domain.PluginEvent
			for _, ev := range current {
				returned, err := vm.Methods.ProcessEvent(ctx, m.metaFor(cs), ev.Copy())
				if err != nil {
					m.recordRuntimeError(cs, err, ev)
					kept = append(kept, ev)
					continue
				}
				if returned != nil {
					kept = append(kept, returned)
				}
			}
			current = kept
		}
		if len(current) == 0 {
			return nil, nil
		}
	}
	return current, nil
}

// exportBatchSize triggers an exportEvents delivery before an explicit
// flush, bounding the buffer under sustained traffic.
const exportBatchSize = 100

// RunOnEvent delivers a finished event to every plugin exporting onEvent,
// and queues it for every plugin exporting exportEvents. Dropped events
// never reach here.
func (m *Manager) RunOnEvent(ctx context.Context, event *domain.PluginEvent) {
	for _, cs := range m.pipeline(event.TeamID) {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil {
			continue
		}
		if vm.Methods.OnEvent != nil {
			if err := vm.Methods.OnEvent(ctx, m.metaFor(cs), event); err != nil {
				m.recordRuntimeError(cs, err, event)
			}
		}
		if vm.Methods.ExportEvents != nil {
			m.queueExport(ctx, cs, vm, event)
		}
	}
}

// queueExport buffers the event per config, delivering a full batch once the
// buffer reaches exportBatchSize.
func (m *Manager) queueExport(ctx context.Context, cs *configState, vm *VM, event *domain.PluginEvent) {
	cs.exportMu.Lock()
	cs.exportBuf = append(cs.exportBuf, event)
	var batch []*domain.PluginEvent
	if len(cs.exportBuf) >= exportBatchSize {
		batch = cs.exportBuf
		cs.exportBuf = nil
	}
	cs.exportMu.Unlock()
	if batch == nil {
		return
	}
	if err := vm.Methods.ExportEvents(ctx, m.metaFor(cs), batch); err != nil {
		m.recordRuntimeError(cs, err, nil)
	}
}

// FlushExports delivers every config's partially filled export buffer.
func (m *Manager) FlushExports(ctx context.Context) {
	m.mu.RLock()
	states := make([]*configState, 0, len(m.configs))
	for _, cs := range m.configs {
		states = append(states, cs)
	}
	m.mu.RUnlock()

	for _, cs := range states {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil || vm.Methods.ExportEvents == nil {
			continue
		}
		cs.exportMu.Lock()
		batch := cs.exportBuf
		cs.exportBuf = nil
		cs.exportMu.Unlock()
		if len(batch) == 0 {
			continue
		}
		if err := vm.Methods.ExportEvents(ctx, m.metaFor(cs), batch); err != nil {
			m.recordRuntimeError(cs, err, nil)
		}
	}
}

// RunOnSnapshot delivers a session-recording event to every plugin exporting
// onSnapshot.
func (m *Manager) RunOnSnapshot(ctx context.Context, event *domain.PluginEvent) {
	for _, cs := range m.pipeline(event.TeamID) {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil || vm.Methods.OnSnapshot == nil {
			continue
		}
		if err := vm.Methods.OnSnapshot(ctx, m.metaFor(cs), event); err != nil {
			m.recordRuntimeError(cs, err, event)
		}
	}
}

func (m *Manager) recordRuntimeError(cs *configState, err error, event *domain.PluginEvent) {
	metrics.PluginError("runtime")
	pluginErr := &domain.PluginError{
		Message: err.Error(),
		Time:    time.Now().UTC(),
	}
	if event != nil {
		pluginErr.Event = map[string]any{"event": event.Event, "distinct_id": event.DistinctID}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := m.store.RecordPluginConfigError(ctx, cs.config.ID, pluginErr); rerr != nil {
		logging.Op().Warn("failed to record plugin runtime error", "plugin_config_id", cs.config.ID, "error", rerr)
	}
	m.logEntry(cs, "PLUGIN", "ERROR", err.Error())
}

// RunPluginTask invokes a named scheduled task on one config. Scheduled
// work awaits VM setup rather than skipping it.
func (m *Manager) RunPluginTask(ctx context.Context, taskName string, configID int64) error {
	m.mu.RLock()
	cs, ok := m.configs[configID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown plugin config %d", configID)
	}

	vm, err := cs.lazy.Resolve(ctx)
	if err != nil {
		return err
	}
	if vm == nil {
		return nil
	}
	task, ok := vm.Tasks[taskName]
	if !ok {
		return nil
	}
	if err := task(ctx, m.metaFor(cs)); err != nil {
		m.recordRuntimeError(cs, err, nil)
		return err
	}
	return nil
}

// LoadSchedule resolves every VM and builds the scheduled-task index
// {runEveryMinute: [configId, ...], ...}. Until it completes at least once,
// Schedule returns nil and consumers wait.
func (m *Manager) LoadSchedule(ctx context.Context) (map[string][]int64, error) {
	m.mu.RLock()
	states := make([]*configState, 0, len(m.configs))
	for _, cs := range m.configs {
		states = append(states, cs)
	}
	m.mu.RUnlock()

	schedule := make(map[string][]int64)
	for _, cs := range states {
		vm, err := cs.lazy.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		if vm == nil {
			continue
		}
		for _, name := range ScheduledTaskNames {
			if _, ok := vm.Tasks[name]; ok {
				schedule[name] = append(schedule[name], cs.config.ID)
			}
		}
	}
	for _, ids := range schedule {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	m.mu.Lock()
	m.schedule = schedule
	m.mu.Unlock()
	return schedule, nil
}

// Schedule returns the cached task schedule, nil before the first load.
func (m *Manager) Schedule() map[string][]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedule
}

// Teardown flushes any buffered exports, then runs every ready VM's
// teardownPlugin hook.
func (m *Manager) Teardown(ctx context.Context) {
	m.FlushExports(ctx)
	m.mu.RLock()
	states := make([]*configState, 0, len(m.configs))
	for _, cs := range m.configs {
		states = append(states, cs)
	}
	m.mu.RUnlock()

	for _, cs := range states {
		vm, resolved := cs.lazy.TryResolve()
		if !resolved || vm == nil || vm.Methods.TeardownPlugin == nil {
			continue
		}
		if err := vm.Methods.TeardownPlugin(ctx, m.metaFor(cs)); err != nil {
			m.recordRuntimeError(cs, err, nil)
		}
	}
}
