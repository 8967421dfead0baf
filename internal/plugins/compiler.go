package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/quasarhq/quasar/internal/domain"
)

// Compiler materializes a VM from a plugin row and its config. The source
// transform pass that rewrites user plugin code before execution is an
// external collaborator behind this interface.
type Compiler interface {
	Compile(ctx context.Context, plugin *domain.Plugin, config *domain.PluginConfig) (*VM, error)
}

// Factory builds a VM for one plugin config from unpacked source.
type Factory func(src *Source, config *domain.PluginConfig) (*VM, error)

// Registry maps plugin names to native VM factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a plugin name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory for a plugin name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// RegistryCompiler is the default compiler: it unpacks the plugin archive,
// validates the manifest, and binds the source to a registered runtime
// factory. Archive corruption and missing manifests are permanent failures;
// a factory may return a RetryError for transient init problems.
type RegistryCompiler struct {
	Registry *Registry
}

// NewRegistryCompiler returns a compiler over an empty registry.
func NewRegistryCompiler() *RegistryCompiler {
	return &RegistryCompiler{Registry: NewRegistry()}
}

func (c *RegistryCompiler) Compile(ctx context.Context, plugin *domain.Plugin, config *domain.PluginConfig) (*VM, error) {
	src, err := pluginSource(plugin)
	if err != nil {
		return nil, err
	}

	name := src.Manifest.Name
	if name == "" {
		name = plugin.Name
	}
	factory, ok := c.Registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no runtime registered for plugin %q", name)
	}

	vm, err := factory(src, config)
	if err != nil {
		return nil, err
	}
	if vm.Tasks == nil {
		vm.Tasks = map[string]TaskFunc{}
	}
	if vm.Jobs == nil {
		vm.Jobs = map[string]JobFunc{}
	}
	return vm, nil
}

func pluginSource(plugin *domain.Plugin) (*Source, error) {
	if len(plugin.Archive) > 0 {
		return ExtractArchive(plugin.Archive)
	}
	if plugin.Source != "" {
		return &Source{
			Manifest: Manifest{Name: plugin.Name, Main: "index.js"},
			Files:    map[string][]byte{"index.js": []byte(plugin.Source)},
		}, nil
	}
	return nil, fmt.Errorf("plugin %d has neither archive nor source", plugin.ID)
}
