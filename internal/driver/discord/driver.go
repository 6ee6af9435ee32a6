package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
)

const defaultPublishTimeout = 2 * time.Second

type driverConfig struct {
	name           string
	publishTimeout time.Duration
	onAsyncError   func(context.Context, error)
	now            func() time.Time
}

// DriverOption mutates Discord driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithErrorHandler configures async callback errors.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// Driver adapts Discord gateway dispatches into neutral chat events.
type Driver struct {
	cfg     driverConfig
	gateway Gateway
	decoder Decoder
	self    *SelfIdentity
}

var _ chat.Driver = (*Driver)(nil)

// NewDriver creates a Discord driver over gateway.
func NewDriver(gateway Gateway, decoder Decoder, self *SelfIdentity, options ...DriverOption) (*Driver, error) {
	if gateway == nil {
		return nil, fmt.Errorf("new discord driver: nil gateway")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new discord driver: nil decoder")
	}
	if self == nil {
		self = &SelfIdentity{}
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		onAsyncError:   func(context.Context, error) {},
		now:            time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:     cfg,
		gateway: gateway,
		decoder: decoder,
		self:    self,
	}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start opens the gateway, publishes message dispatches, and closes the
// gateway once ctx ends.
func (d *Driver) Start(ctx context.Context, sink chat.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start discord driver: nil sink")
	}

	removers := []func(){
		d.gateway.AddHandler(func(_ *discordgo.Session, ready *discordgo.Ready) {
			d.self.Set(ready.User)
		}),
		d.gateway.AddHandler(func(_ *discordgo.Session, created *discordgo.MessageCreate) {
			d.dispatch(ctx, sink, Update{Type: UpdateTypeCreate, Message: created.Message, ReceivedAt: d.cfg.now()})
		}),
		d.gateway.AddHandler(func(_ *discordgo.Session, updated *discordgo.MessageUpdate) {
			d.dispatch(ctx, sink, Update{Type: UpdateTypeEdit, Message: updated.Message, ReceivedAt: d.cfg.now()})
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := d.gateway.Open(); err != nil {
		return fmt.Errorf("start discord driver: open gateway: %w", err)
	}
	<-ctx.Done()

	if err := d.gateway.Close(); err != nil {
		return fmt.Errorf("start discord driver: close gateway: %w", err)
	}

	return nil
}

// dispatch runs on discordgo's handler goroutine.
func (d *Driver) dispatch(ctx context.Context, sink chat.EventSink, update Update) {
	if ctx.Err() != nil {
		return
	}
	if err := d.handleUpdate(ctx, update, sink); err != nil && !errors.Is(err, context.Canceled) {
		d.cfg.onAsyncError(ctx, err)
	}
}

// handleUpdate decodes one gateway update and publishes it with bounded latency.
func (d *Driver) handleUpdate(ctx context.Context, update Update, sink chat.EventSink) error {
	event, err := d.decodeSafely(ctx, update)
	if err != nil {
		return fmt.Errorf("handle update %s: %w", update.Type, err)
	}
	if event == nil {
		return nil
	}
	if event.Platform == "" {
		event.Platform = DriverPlatform
	}
	if event.SelfID == "" {
		event.SelfID, _ = d.self.Get()
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("handle update %s publish: %w", update.Type, err)
	}

	return nil
}

// decodeSafely protects decoder panics at the adapter boundary.
func (d *Driver) decodeSafely(ctx context.Context, update Update) (decoded *chat.Event, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("decode discord update %s panic: %v", update.Type, recovered)
	}()

	decoded, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode discord update %s: %w", update.Type, err)
	}

	return decoded, nil
}

// Shutdown releases resources not controlled by Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}
