package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutboundOperation identifies one outbound platform operation type.
type OutboundOperation string

const (
	// OutboundOperationSendMessage identifies SendMessage operations.
	OutboundOperationSendMessage OutboundOperation = "send_message"
	// OutboundOperationDeleteMessage identifies DeleteMessage operations.
	OutboundOperationDeleteMessage OutboundOperation = "delete_message"
	// OutboundOperationListProxies identifies ProxyPlatform.ListProxies operations.
	OutboundOperationListProxies OutboundOperation = "list_proxies"
	// OutboundOperationCreateProxy identifies ProxyPlatform.CreateProxy operations.
	OutboundOperationCreateProxy OutboundOperation = "create_proxy"
	// OutboundOperationSendAsProxy identifies ProxyPlatform.SendAsProxy operations.
	OutboundOperationSendAsProxy OutboundOperation = "send_as_proxy"
	// OutboundOperationPermissions identifies ProxyPlatform.Permissions operations.
	OutboundOperationPermissions OutboundOperation = "permissions"
)

// OutboundErrorKind describes coarse-grained outbound failure classification.
type OutboundErrorKind string

const (
	// OutboundErrorKindRateLimited indicates platform-side rate limiting.
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	// OutboundErrorKindTemporary indicates retryable transient failure.
	OutboundErrorKindTemporary OutboundErrorKind = "temporary"
	// OutboundErrorKindPermanent indicates non-retryable permanent failure.
	OutboundErrorKindPermanent OutboundErrorKind = "permanent"
	// OutboundErrorKindUnknown indicates unclassified failure.
	OutboundErrorKindUnknown OutboundErrorKind = "unknown"
)

// OutboundError carries structured metadata for one outbound operation failure.
type OutboundError struct {
	// Operation identifies which outbound operation failed.
	Operation OutboundOperation
	// Kind classifies whether and how callers should retry.
	Kind OutboundErrorKind
	// Platform identifies which destination platform produced the failure.
	Platform Platform
	// RetryAfter carries suggested retry delay for rate-limited failures when known.
	RetryAfter time.Duration
	// Code carries the platform error code when known.
	Code int
	// Sentinel optionally classifies the failure with a package sentinel such as
	// ErrProxyUnavailable or ErrMessageNotFound.
	Sentinel error
	// Cause is the wrapped platform/transport error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if operation := strings.TrimSpace(string(e.Operation)); operation != "" {
		fields = append(fields, "operation="+operation)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if platform := strings.TrimSpace(string(e.Platform)); platform != "" {
		fields = append(fields, "platform="+platform)
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}

	summary := "outbound error"
	if len(fields) > 0 {
		summary += ": " + strings.Join(fields, " ")
	}
	if e.Cause == nil {
		return summary
	}

	return summary + ": " + e.Cause.Error()
}

// Unwrap exposes both the sentinel classification and the root cause.
func (e *OutboundError) Unwrap() []error {
	if e == nil {
		return nil
	}

	wrapped := make([]error, 0, 2)
	if e.Sentinel != nil {
		wrapped = append(wrapped, e.Sentinel)
	}
	if e.Cause != nil {
		wrapped = append(wrapped, e.Cause)
	}

	return wrapped
}

// AsOutboundError extracts one OutboundError from wrapped error chains.
func AsOutboundError(err error) (*OutboundError, bool) {
	if err == nil {
		return nil, false
	}

	var outboundErr *OutboundError
	if errors.As(err, &outboundErr) {
		return outboundErr, true
	}

	return nil, false
}

// AsOutboundRateLimit extracts retry delay metadata from outbound rate-limit errors.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no retry-after hint is known.
func AsOutboundRateLimit(err error) (time.Duration, bool) {
	outboundErr, ok := AsOutboundError(err)
	if !ok || outboundErr == nil || outboundErr.Kind != OutboundErrorKindRateLimited {
		return 0, false
	}

	return outboundErr.RetryAfter, true
}
