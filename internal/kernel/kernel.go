package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"persona-relay/pkg/chat"
)

// Kernel orchestrates modules, the platform driver, and the event bus.
//
// The driver publishes through a command-deriving sink so that registered
// commands reach modules as command events next to the original message event.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry
	catalog  *commandCatalog

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	driver      chat.Driver

	runMu   sync.Mutex
	running bool
}

// New creates a kernel with an empty service registry and a running event bus.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	k := &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptionBuffer, cfg.subscriptionWorker, cfg.handlerTimeout, cfg.onAsyncError),
		services: NewServiceRegistry(),
		catalog:  newCommandCatalog(),
		modules:  make(map[string]*moduleRecord),
	}
	if err := k.services.Register(chat.ServiceCommandCatalog, k.catalog); err != nil {
		cfg.onAsyncError(context.Background(), "register command catalog service", err)
	}

	return k
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() chat.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() chat.ServiceRegistry {
	return k.services
}

// Commands exposes the command catalog populated by registered modules.
func (k *Kernel) Commands() chat.CommandCatalog {
	return k.catalog
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule registers a module: commands first, then OnRegister, then the
// declared handlers. Any failure rolls the whole registration back.
func (k *Kernel) RegisterModule(ctx context.Context, module chat.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: spec.Capabilities(),
	}
	if err := k.checkRequiredServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if _, exists := k.modules[name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, chat.ErrModuleAlreadyRegistered)
	}
	k.modules[name] = record
	k.moduleOrder = append(k.moduleOrder, name)
	k.mu.Unlock()

	if err := k.catalog.register(name, spec.Commands); err != nil {
		k.rollbackModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
	}
	if registrar, ok := module.(chat.ModuleRegistrar); ok {
		err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		})
		if err != nil {
			k.rollbackModule(ctx, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	for idx, declared := range spec.Handlers {
		subscription := declared.Subscription
		if subscription.Name == "" {
			subscription.Name = fmt.Sprintf("%s-handler-%d", name, idx+1)
		}
		_, err := runtime.Subscribe(hookCtx, declared.Capability.Interest, subscription, declared.Handler)
		if err != nil {
			k.rollbackModule(ctx, record)
			return fmt.Errorf(
				"register module %s: handler %s for capability %s: %w",
				name,
				subscription.Name,
				declared.Capability.Name,
				err,
			)
		}
	}

	return nil
}

// RegisterDriver installs the platform driver. Only one driver is supported.
func (k *Kernel) RegisterDriver(driver chat.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	if driver.Name() == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.driver != nil {
		return fmt.Errorf("register driver %s: %w (have %s)", driver.Name(), chat.ErrDriverAlreadyRegistered, k.driver.Name())
	}
	k.driver = driver

	return nil
}

// Run starts modules, runs the driver, and blocks until ctx is canceled or the
// driver fails. Shutdown always runs before Run returns.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	k.mu.RLock()
	driver := k.driver
	k.mu.RUnlock()
	if driver == nil {
		return fmt.Errorf("kernel run: no driver registered")
	}

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx, nil))
	}

	runCtx, cancel := context.WithCancel(ctx)
	driverDone := make(chan error, 1)
	go func() {
		driverDone <- runSafely("driver "+driver.Name()+" Start", func() error {
			return driver.Start(runCtx, k.newDriverEventSink())
		})
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-driverDone:
		driverDone = nil
	}
	cancel()

	if isContextCancellation(runErr) {
		runErr = nil
	}
	if runErr != nil {
		runErr = fmt.Errorf("run driver %s: %w", driver.Name(), runErr)
	}

	return errors.Join(runErr, k.shutdownAll(ctx, driverDone))
}

// startRun serializes Run invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// orderedModules returns a registration-ordered snapshot of module records.
func (k *Kernel) orderedModules() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	records := make([]*moduleRecord, 0, len(k.moduleOrder))
	for _, name := range k.moduleOrder {
		if record := k.modules[name]; record != nil {
			records = append(records, record)
		}
	}

	return records
}

// startModules invokes OnStart in registration order with per-module timeouts.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.orderedModules() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// shutdownAll tears down the driver, modules, and bus in one bounded window.
// driverDone, when non-nil, is drained so Start has returned before modules stop.
// WithoutCancel keeps cleanup running after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context, driverDone <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error

	k.mu.RLock()
	driver := k.driver
	k.mu.RUnlock()
	if driver != nil {
		err := runSafely("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}
	if driverDone != nil {
		select {
		case <-driverDone:
		case <-shutdownCtx.Done():
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("wait driver exit: %w", shutdownCtx.Err()))
		}
	}

	records := k.orderedModules()
	for idx := len(records) - 1; idx >= 0; idx-- {
		if err := k.shutdownModule(shutdownCtx, records[idx]); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	if err := k.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownModule closes module subscriptions, then runs OnShutdown.
func (k *Kernel) shutdownModule(ctx context.Context, record *moduleRecord) error {
	var shutdownErr error
	if err := record.closeSubscriptions(ctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()
	err := runSafely("module "+record.name+" OnShutdown", func() error {
		return record.module.OnShutdown(hookCtx)
	})
	if err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
	}

	return shutdownErr
}

// rollbackModule removes a partially registered module.
func (k *Kernel) rollbackModule(ctx context.Context, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback module registration", err)
	}
	k.catalog.unregister(record.name)

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.modules, record.name)
	filtered := k.moduleOrder[:0]
	for _, name := range k.moduleOrder {
		if name != record.name {
			filtered = append(filtered, name)
		}
	}
	k.moduleOrder = filtered
}

// checkRequiredServices fails when a capability needs a service nobody registered.
func (k *Kernel) checkRequiredServices(capabilities []chat.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// validateModuleSpec ensures declarative module definitions are coherent.
func validateModuleSpec(spec chat.ModuleSpec) error {
	seenCapabilities := make(map[string]struct{})
	seenSubscriptions := make(map[string]struct{})

	for idx, handler := range spec.Handlers {
		if handler.Handler == nil {
			return fmt.Errorf("module handler %d: nil handler", idx)
		}
		if name := handler.Subscription.Name; name != "" {
			if _, exists := seenSubscriptions[name]; exists {
				return fmt.Errorf("module handler %d: duplicate subscription name %s", idx, name)
			}
			seenSubscriptions[name] = struct{}{}
		}
	}
	for idx, capability := range spec.Capabilities() {
		if capability.Name == "" {
			return fmt.Errorf("capability %d: empty name", idx)
		}
		if _, exists := seenCapabilities[capability.Name]; exists {
			return fmt.Errorf("capability %d: duplicate name %s", idx, capability.Name)
		}
		seenCapabilities[capability.Name] = struct{}{}
	}

	return nil
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
