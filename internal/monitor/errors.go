package monitor

import (
	"context"
	"errors"
	"fmt"
)

// FetchReason classifies why a fetch failed.
type FetchReason string

// Fetch failure reasons.
const (
	ReasonNetwork     FetchReason = "network"
	ReasonAuth        FetchReason = "auth"
	ReasonRateLimit   FetchReason = "rate_limit"
	ReasonRiskControl FetchReason = "risk_control"
	ReasonParse       FetchReason = "parse"
	ReasonUpstream    FetchReason = "upstream"
)

// FetchError is returned by Fetchers. The poll loop isolates it to the
// (account, kind) pair and retries the pair next cycle.
type FetchError struct {
	Kind   Kind
	MID    int64
	Reason FetchReason
	// Code is the upstream API code when one was returned.
	Code int
	Err  error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s for %d: %s", e.Kind, e.MID, e.Reason)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether an immediate retry with backoff may succeed.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	return e.Reason == ReasonNetwork || e.Reason == ReasonRateLimit
}

// NotifyError is returned by Notifiers. The item is not marked known and will
// be offered again next cycle.
type NotifyError struct {
	Channel string
	ItemID  string
	Err     error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s via %s: %v", e.ItemID, e.Channel, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// ConfigError is fatal and only raised at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StateError describes an unreadable or corrupt state file. It is logged and
// the store starts empty.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state file %s: %v", e.Path, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// AsFetchError extracts a *FetchError from err.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
