package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"persona-relay/internal/driver"
	"persona-relay/internal/kernel"
	"persona-relay/internal/persona"
	"persona-relay/internal/proxy"
	"persona-relay/modules/help"
	"persona-relay/modules/personas"
	"persona-relay/modules/pingpong"
	"persona-relay/modules/relay"
	"persona-relay/pkg/chat"
)

const (
	envConfigFile             = "PERSONA_CONFIG_FILE"
	defaultConfigFilePath     = "config/bot.json"
	alternateConfigFilePath   = "bin/config/bot.json"
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers  []driver.Definition
	personas personasConfig
}

type personasConfig struct {
	backend        string
	path           string
	managerRoleID  string
	proxyCacheSize int
	relayTimeout   time.Duration
}

type fileConfig struct {
	LogLevel string             `json:"log_level"`
	Kernel   fileKernelConfig   `json:"kernel"`
	Drivers  []fileDriverEntry  `json:"drivers"`
	Personas filePersonasConfig `json:"personas"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type filePersonasConfig struct {
	Backend        string `json:"backend"`
	Path           string `json:"path"`
	ManagerRoleID  string `json:"manager_role_id"`
	ProxyCacheSize *int   `json:"proxy_cache_size"`
	RelayTimeout   string `json:"relay_timeout"`
}

func run(ctx context.Context, configFile string) error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	if cfg.personas.managerRoleID == "" {
		logger.Warn("personas.manager_role_id is empty; create, edit, delete and ~dm are refused for everyone")
	}
	kernelRuntime := buildKernelRuntime(logger, cfg)

	runtime, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}
	if runtime.Proxies == nil {
		return fmt.Errorf("driver platform %s cannot post under personas", runtime.Platform)
	}

	store, err := openPersonaStore(ctx, logger, cfg.personas)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("close persona store", "error", err)
		}
	}()

	cache, err := proxy.NewCache(
		runtime.Proxies,
		proxy.WithCapacity(cfg.personas.proxyCacheSize),
		proxy.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new proxy cache: %w", err)
	}

	if err := kernelRuntime.RegisterDriver(runtime.Driver); err != nil {
		return fmt.Errorf("register driver %s: %w", runtime.Driver.Name(), err)
	}
	if err := registerRuntimeServices(kernelRuntime, logger, runtime, store, cache); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, logger, cfg.personas); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("persona-relay starting",
		"driver", runtime.Driver.Name(),
		"backend", cfg.personas.backend,
		"personas", len(store.List()),
	)
	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}

	return nil
}

func loadConfig(registry *driver.Registry, explicitPath string) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(explicitPath)
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(explicitPath string) (string, error) {
	if configFile := strings.TrimSpace(explicitPath); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, set %s, or pass --config",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		drivers: make([]driver.Definition, 0),
		personas: personasConfig{
			backend:        persona.BackendJSON,
			path:           persona.DefaultJSONPath,
			proxyCacheSize: proxy.DefaultCapacity,
			relayTimeout:   relay.DefaultHandlerTimeout,
		},
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if err := applyKernelConfig(cfg, parsed.Kernel); err != nil {
		return err
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return applyPersonasConfig(&cfg.personas, parsed.Personas)
}

func applyKernelConfig(cfg *appConfig, parsed fileKernelConfig) error {
	if rawTimeout := strings.TrimSpace(parsed.ModuleHookTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration("kernel.module_hook_timeout", rawTimeout)
		if err != nil {
			return err
		}
		cfg.moduleHookTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration("kernel.shutdown_timeout", rawTimeout)
		if err != nil {
			return err
		}
		cfg.shutdownTimeout = timeout
	}
	if parsed.SubscriptionBuffer != nil {
		if *parsed.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.SubscriptionBuffer
	}
	if parsed.SubscriptionWorkers != nil {
		if *parsed.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse kernel.subscription_workers: must be > 0")
		}
		cfg.subscriptionWorkers = *parsed.SubscriptionWorkers
	}

	return nil
}

func applyPersonasConfig(cfg *personasConfig, parsed filePersonasConfig) error {
	if backend := strings.ToLower(strings.TrimSpace(parsed.Backend)); backend != "" {
		cfg.backend = backend
	}
	if path := strings.TrimSpace(parsed.Path); path != "" {
		cfg.path = path
	}
	cfg.managerRoleID = strings.TrimSpace(parsed.ManagerRoleID)
	if parsed.ProxyCacheSize != nil {
		if *parsed.ProxyCacheSize <= 0 {
			return fmt.Errorf("parse personas.proxy_cache_size: must be > 0")
		}
		cfg.proxyCacheSize = *parsed.ProxyCacheSize
	}
	if rawTimeout := strings.TrimSpace(parsed.RelayTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration("personas.relay_timeout", rawTimeout)
		if err != nil {
			return err
		}
		cfg.relayTimeout = timeout
	}

	return nil
}

func parsePositiveDuration(field string, raw string) (time.Duration, error) {
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return timeout, nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	knownTypes := registry.Types()
	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := 0
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if !slices.Contains(knownTypes, definition.Type) {
			return fmt.Errorf("drivers[%s].type: unsupported type %q (known: %v)", definition.Name, definition.Type, knownTypes)
		}
		enabled++
	}
	switch {
	case enabled == 0:
		return fmt.Errorf("exactly one enabled driver is required, got none")
	case enabled > 1:
		return fmt.Errorf("exactly one enabled driver is required, got %d", enabled)
	}

	switch cfg.personas.backend {
	case persona.BackendJSON, persona.BackendSQLite:
	default:
		return fmt.Errorf("personas.backend: unsupported backend %q", cfg.personas.backend)
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
	)
}

func openPersonaStore(ctx context.Context, logger *slog.Logger, cfg personasConfig) (*persona.Store, error) {
	backend, err := persona.OpenBackend(ctx, cfg.backend, cfg.path, logger)
	if err != nil {
		return nil, fmt.Errorf("open persona backend %s: %w", cfg.path, err)
	}
	store, err := persona.Open(ctx, backend, persona.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open persona store %s: %w", cfg.path, err)
	}

	return store, nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	runtime driver.Runtime,
	store *persona.Store,
	cache *proxy.Cache,
) error {
	services := []struct {
		name  string
		value any
	}{
		{name: chat.ServiceLogger, value: logger},
		{name: chat.ServiceOutboundDispatcher, value: runtime.Dispatcher},
		{name: chat.ServiceProxyPlatform, value: runtime.Proxies},
		{name: persona.ServiceName, value: store},
		{name: proxy.ServiceName, value: cache},
	}
	for _, service := range services {
		if err := kernelRuntime.RegisterService(service.name, service.value); err != nil {
			return fmt.Errorf("register %s service: %w", service.name, err)
		}
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg personasConfig,
) error {
	modules := []chat.Module{
		relay.New(relay.WithHandlerTimeout(cfg.relayTimeout), relay.WithLogger(logger)),
		personas.New(personas.WithManagerRoleID(cfg.managerRoleID), personas.WithLogger(logger)),
		pingpong.New(),
		help.New(),
	}
	for _, module := range modules {
		if err := kernelRuntime.RegisterModule(ctx, module); err != nil {
			return fmt.Errorf("register %s module: %w", module.Name(), err)
		}
	}

	return nil
}
