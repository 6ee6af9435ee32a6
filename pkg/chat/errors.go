package chat

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("chat: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("chat: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("chat: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("chat: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("chat: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("chat: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("chat: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("chat: driver already registered")
	// ErrInvalidOutboundRequest indicates that an outbound request is malformed.
	ErrInvalidOutboundRequest = errors.New("chat: invalid outbound request")
	// ErrMessageNotFound indicates that the target message no longer exists.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrProxyUnavailable indicates that a proxy identity is gone or owned by
	// another application and must not be used again.
	ErrProxyUnavailable = errors.New("chat: proxy identity unavailable")
)
