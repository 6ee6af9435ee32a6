package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const defaultTokenEnv = "BOT_TOKEN"

type runtimeConfig struct {
	Token           string `json:"token"`
	TokenEnv        string `json:"token_env"`
	PublishTimeout  string `json:"publish_timeout"`
	OutboundTimeout string `json:"outbound_timeout"`
}

type parsedRuntimeConfig struct {
	token           string
	publishTimeout  time.Duration
	outboundTimeout time.Duration
}

// Bot bundles the components built from one driver definition.
type Bot struct {
	Driver     *Driver
	Dispatcher *OutboundDispatcher
	Proxies    *ProxyPlatform
}

// BuildRuntimeFromConfig builds one discord driver runtime from config payload.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (Bot, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return Bot{}, fmt.Errorf("parse discord runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New(cfg.token)
	if err != nil {
		return Bot{}, fmt.Errorf("new discordgo session: %w", err)
	}
	session.Identify.Intents = gatewayIntents

	return buildRuntime(name, logger, session, cfg)
}

func buildRuntime(name string, logger *slog.Logger, session Session, cfg parsedRuntimeConfig) (Bot, error) {
	self := &SelfIdentity{}

	driver, err := NewDriver(
		session,
		NewDefaultDecoder(session),
		self,
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "discord driver async error", "driver", name, "error", err)
		}),
	)
	if err != nil {
		return Bot{}, fmt.Errorf("new discord driver: %w", err)
	}

	outboundOptions := []OutboundOption{
		WithOutboundTimeout(cfg.outboundTimeout),
		WithOutboundLogger(logger.With("driver", name)),
	}
	dispatcher, err := NewOutboundDispatcher(session, outboundOptions...)
	if err != nil {
		return Bot{}, fmt.Errorf("new discord outbound dispatcher: %w", err)
	}
	proxies, err := NewProxyPlatform(session, self, outboundOptions...)
	if err != nil {
		return Bot{}, fmt.Errorf("new discord proxy platform: %w", err)
	}

	return Bot{
		Driver:     driver,
		Dispatcher: dispatcher,
		Proxies:    proxies,
	}, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	var parsed runtimeConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
		}
	}

	cfg := parsedRuntimeConfig{
		token:           strings.TrimSpace(parsed.Token),
		publishTimeout:  defaultPublishTimeout,
		outboundTimeout: defaultOutboundTimeout,
	}
	if cfg.token == "" {
		tokenEnv := strings.TrimSpace(parsed.TokenEnv)
		if tokenEnv == "" {
			tokenEnv = defaultTokenEnv
		}
		cfg.token = strings.TrimSpace(os.Getenv(tokenEnv))
		if cfg.token == "" {
			return parsedRuntimeConfig{}, fmt.Errorf("token is required (set token or %s)", tokenEnv)
		}
	}
	if !strings.HasPrefix(cfg.token, "Bot ") {
		cfg.token = "Bot " + cfg.token
	}

	var err error
	if cfg.publishTimeout, err = parsePositiveDuration("publish_timeout", parsed.PublishTimeout, cfg.publishTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}
	if cfg.outboundTimeout, err = parsePositiveDuration("outbound_timeout", parsed.OutboundTimeout, cfg.outboundTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}

	return cfg, nil
}

func parsePositiveDuration(field string, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
