package discord

import (
	"errors"
	"net/http"
	"time"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
)

func mapDiscordOutboundError(operation chat.OutboundOperation, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chat.ErrInvalidOutboundRequest) {
		return err
	}

	outboundErr := &chat.OutboundError{
		Operation: operation,
		Kind:      chat.OutboundErrorKindUnknown,
		Platform:  DriverPlatform,
		Cause:     err,
	}

	var rateLimitErr *discordgo.RateLimitError
	if errors.As(err, &rateLimitErr) {
		outboundErr.Kind = chat.OutboundErrorKindRateLimited
		outboundErr.Code = http.StatusTooManyRequests
		if rateLimitErr.RateLimit != nil && rateLimitErr.TooManyRequests != nil {
			outboundErr.RetryAfter = rateLimitErr.RetryAfter
		}

		return outboundErr
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return outboundErr
	}

	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}
	apiCode := 0
	if restErr.Message != nil {
		apiCode = restErr.Message.Code
	}
	outboundErr.Code = status
	if apiCode != 0 {
		outboundErr.Code = apiCode
	}
	outboundErr.Kind = classifyDiscordStatus(status)
	if status == http.StatusTooManyRequests && restErr.Response != nil {
		outboundErr.RetryAfter = parseRetryAfter(restErr.Response.Header.Get("Retry-After"))
	}

	switch apiCode {
	case discordgo.ErrCodeUnknownWebhook, discordgo.ErrCodeInvalidWebhookTokenProvided:
		outboundErr.Kind = chat.OutboundErrorKindPermanent
		outboundErr.Sentinel = chat.ErrProxyUnavailable
	case discordgo.ErrCodeUnknownMessage:
		outboundErr.Kind = chat.OutboundErrorKindPermanent
		outboundErr.Sentinel = chat.ErrMessageNotFound
	}
	if apiCode == 0 && status == http.StatusNotFound {
		switch operation {
		case chat.OutboundOperationSendAsProxy:
			outboundErr.Sentinel = chat.ErrProxyUnavailable
		case chat.OutboundOperationDeleteMessage:
			outboundErr.Sentinel = chat.ErrMessageNotFound
		}
	}

	return outboundErr
}

func classifyDiscordStatus(status int) chat.OutboundErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return chat.OutboundErrorKindRateLimited
	case status >= 500:
		return chat.OutboundErrorKindTemporary
	case status >= 400:
		return chat.OutboundErrorKindPermanent
	default:
		return chat.OutboundErrorKindUnknown
	}
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	seconds, err := time.ParseDuration(raw + "s")
	if err != nil || seconds < 0 {
		return 0
	}

	return seconds
}
