// Package plugin loads dynamically linked server extensions and hosts
// their registered hooks and commands.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	goplugin "plugin"

	"github.com/clice-io/clice/src/internal/common"
)

// APIVersion is the host's plugin ABI version. A plugin built against a
// different version is rejected.
const APIVersion = 2

// DefinitionHash pins the exact interface definitions the host was built
// with; a plugin must carry the byte-equal string or loading fails.
const DefinitionHash = "clice-plugin-abi-8f4c21d6"

// EntrySymbol is the exported symbol every plugin must provide:
// `func ClicePlugin() plugin.Descriptor`.
const EntrySymbol = "ClicePlugin"

// HookKind names the lifecycle hooks a plugin can register.
type HookKind int

const (
	HookInitialize HookKind = iota
	HookInitialized
	HookShutdown
	HookExit
	HookDidChangeConfiguration
)

// Hook is one lifecycle callback.
type Hook func(ctx context.Context)

// Command serves one custom request; the returned value is marshalled as
// the JSON result.
type Command func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Descriptor is the value returned by a plugin's entry point.
type Descriptor struct {
	APIVersion     int
	Name           string
	Version        string
	DefinitionHash string

	// Register is called once with the host's builder.
	Register func(builder *Builder)

	// State is plugin-owned opaque data. The host keeps it with the
	// descriptor (see Registry.Plugins); hooks are not given it.
	State interface{}
}

// Builder collects a plugin's registrations.
type Builder struct {
	registry *Registry
	name     string
}

// OnHook registers a lifecycle hook.
func (b *Builder) OnHook(kind HookKind, hook Hook) {
	b.registry.hooks[kind] = append(b.registry.hooks[kind], hook)
}

// OnCommand registers a handler for a custom method name.
func (b *Builder) OnCommand(method string, command Command) {
	if _, exists := b.registry.commands[method]; exists {
		common.ServerLogger.Warn("Plugin %s re-registers command %s; keeping the first", b.name, method)
		return
	}
	b.registry.commands[method] = command
}

// Registry hosts every loaded plugin's registrations.
type Registry struct {
	descriptors []Descriptor
	hooks       map[HookKind][]Hook
	commands    map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:    make(map[HookKind][]Hook),
		commands: make(map[string]Command),
	}
}

// Load opens one plugin library, validates its descriptor and runs its
// registration callback.
func (r *Registry) Load(path string) error {
	library, err := goplugin.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open plugin %s: %w", path, err)
	}

	symbol, err := library.Lookup(EntrySymbol)
	if err != nil {
		return fmt.Errorf("plugin %s has no %s entry point: %w", path, EntrySymbol, err)
	}

	entry, ok := symbol.(func() Descriptor)
	if !ok {
		return fmt.Errorf("plugin %s: %s has the wrong signature", path, EntrySymbol)
	}

	descriptor := entry()
	if descriptor.APIVersion != APIVersion {
		return fmt.Errorf("plugin %s targets ABI version %d, host is %d",
			path, descriptor.APIVersion, APIVersion)
	}
	if descriptor.DefinitionHash != DefinitionHash {
		return fmt.Errorf("plugin %s definition hash %q does not match host %q",
			path, descriptor.DefinitionHash, DefinitionHash)
	}
	if descriptor.Register == nil {
		return fmt.Errorf("plugin %s has no Register callback", path)
	}

	descriptor.Register(&Builder{registry: r, name: descriptor.Name})
	r.descriptors = append(r.descriptors, descriptor)
	common.ServerLogger.Info("Loaded plugin %s %s", descriptor.Name, descriptor.Version)
	return nil
}

// RunHook invokes every registered hook of the given kind, in load order.
func (r *Registry) RunHook(ctx context.Context, kind HookKind) {
	for _, hook := range r.hooks[kind] {
		hook(ctx)
	}
}

// Commands returns the registered custom request handlers adapted to the
// dispatcher's handler shape.
func (r *Registry) Commands() map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error) {
	out := make(map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error), len(r.commands))
	for method, command := range r.commands {
		out[method] = command
	}
	return out
}

// Plugins lists the loaded descriptors.
func (r *Registry) Plugins() []Descriptor {
	return r.descriptors
}
