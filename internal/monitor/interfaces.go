package monitor

import (
	"context"
	"time"
)

// Fetcher returns the latest items of one kind for an account, newest first.
// Failures are reported as *FetchError.
type Fetcher interface {
	Kind() Kind
	Fetch(ctx context.Context, account Account) ([]ContentItem, error)
}

// Notifier delivers a single item over one channel. Failures are reported as
// *NotifyError.
type Notifier interface {
	Name() string
	Send(ctx context.Context, account Account, item ContentItem) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle identifiers used to correlate log lines.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used for synthetic identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}
