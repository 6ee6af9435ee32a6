package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"persona-relay/pkg/chat"
)

// moduleRecord stores module metadata and subscriptions managed by the kernel.
type moduleRecord struct {
	name         string
	module       chat.Module
	capabilities []chat.Capability

	subMu         sync.Mutex
	subscriptions []chat.Subscription
}

func (m *moduleRecord) addSubscription(subscription chat.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions and aggregates close errors.
// The slice is cleared first so repeated shutdown paths are idempotent.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel-owned implementation of chat.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   chat.ServiceRegistry
	bus        chat.EventBus
	record     *moduleRecord
}

// Services returns the kernel service registry visible to the module.
func (r *moduleRuntime) Services() chat.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription after capability checks.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest chat.InterestSet,
	spec chat.SubscriptionSpec,
	handler chat.EventHandler,
) (chat.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.moduleName + "-subscription"
	}
	if !capabilitiesAllow(r.record.capabilities, interest) {
		return nil, fmt.Errorf(
			"module %s subscribe %s: %w: interest not covered by declared capabilities",
			r.moduleName,
			spec.Name,
			chat.ErrInvalidSubscription,
		)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

// capabilitiesAllow reports whether any declared capability covers interest.
func capabilitiesAllow(capabilities []chat.Capability, interest chat.InterestSet) bool {
	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return true
		}
	}

	return false
}
