package driver

import (
	"context"
	"fmt"
	"log/slog"

	"persona-relay/internal/driver/discord"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     discord.DriverType,
			Platform: discord.DriverPlatform,
			Builder: func(_ context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
				bot, err := discord.BuildRuntimeFromConfig(definition.Name, logger, definition.Config)
				if err != nil {
					return Runtime{}, fmt.Errorf("build discord runtime from config: %w", err)
				}

				return Runtime{
					Platform:   discord.DriverPlatform,
					Driver:     bot.Driver,
					Dispatcher: bot.Dispatcher,
					Proxies:    bot.Proxies,
				}, nil
			},
		},
	})
}
