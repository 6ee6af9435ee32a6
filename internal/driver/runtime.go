package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"persona-relay/pkg/chat"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the configured driver instance identifier.
	Name string
	// Type selects which builder constructs this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores the driver-type-specific JSON payload.
	Config []byte
}

// Runtime bundles everything one built driver contributes to the kernel.
type Runtime struct {
	// Platform identifies the chat platform served by Driver.
	Platform chat.Platform
	// Driver is the inbound runtime registered with the kernel.
	Driver chat.Driver
	// Dispatcher sends and deletes ordinary messages.
	Dispatcher chat.OutboundDispatcher
	// Proxies posts under persona identities; nil when the platform cannot.
	Proxies chat.ProxyPlatform
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor binds one driver type token to a runtime builder.
type Descriptor struct {
	// Type is the driver type token from configuration (for example "discord").
	Type string
	// Platform is the neutral platform for this driver type.
	Platform chat.Platform
	// Builder constructs one runtime instance for this driver type.
	Builder BuilderFunc
}

// Registry maps driver types to runtime builders.
type Registry struct {
	entries map[string]Descriptor
}

// NewRegistry creates one immutable driver registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	entries := make(map[string]Descriptor, len(descriptors))
	for _, descriptor := range descriptors {
		switch {
		case descriptor.Type == "":
			return nil, fmt.Errorf("new registry: empty descriptor type")
		case descriptor.Platform == "":
			return nil, fmt.Errorf("new registry type %s: empty platform", descriptor.Type)
		case descriptor.Builder == nil:
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := entries[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}
		entries[descriptor.Type] = descriptor
	}

	return &Registry{entries: entries}, nil
}

// Types returns all registered driver types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, 0, len(r.entries))
	for driverType := range r.entries {
		types = append(types, driverType)
	}
	sort.Strings(types)

	return types
}

// BuildEnabled builds the single enabled definition.
//
// The relay posts through one bot account, so zero or several enabled
// definitions are configuration errors.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) (Runtime, error) {
	if r == nil {
		return Runtime{}, fmt.Errorf("build driver: nil registry")
	}

	var enabled []Definition
	for _, definition := range definitions {
		if definition.Enabled {
			enabled = append(enabled, definition)
		}
	}
	switch len(enabled) {
	case 0:
		return Runtime{}, fmt.Errorf("build driver: no enabled driver")
	case 1:
	default:
		return Runtime{}, fmt.Errorf("build driver: %d enabled drivers, want exactly 1", len(enabled))
	}

	definition := enabled[0]
	if definition.Name == "" {
		return Runtime{}, fmt.Errorf("build driver: empty name")
	}
	descriptor, exists := r.entries[definition.Type]
	if !exists {
		return Runtime{}, fmt.Errorf("build driver %s: unsupported type %q (known: %v)", definition.Name, definition.Type, r.Types())
	}

	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
	}
	if runtime.Dispatcher == nil {
		return Runtime{}, fmt.Errorf("build driver %s type %s: nil dispatcher", definition.Name, definition.Type)
	}
	if runtime.Platform == "" {
		runtime.Platform = descriptor.Platform
	}

	return runtime, nil
}
