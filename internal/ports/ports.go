package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PBXNotifier/internal/domain"
)

// ErrAuthentication reports that the call-history API rejected our credentials.
var ErrAuthentication = errors.New("call history authentication failed")

// Credential is a short-lived call-history API session key.
type Credential struct {
	KeyID string
	Key   string
}

// CallHistory pulls call records and recording bundles from the PBX.
type CallHistory interface {
	Authenticate(ctx context.Context) (Credential, error)
	FetchCalls(ctx context.Context, cred Credential, start, end int64) ([]domain.CallRecord, error)
	// RequestArchiveURL returns "" when no recordings are available.
	RequestArchiveURL(ctx context.Context, cred Credential, start, end int64) (string, error)
}

// Archive is an extracted recordings bundle scoped to one window.
type Archive interface {
	Match(callID string) (string, bool)
	Len() int
	Release()
}

// ArchiveResolver turns a bundle URL into an Archive. It never fails:
// problems collapse to an empty archive.
type ArchiveResolver interface {
	Resolve(ctx context.Context, url string) Archive
}

// ChannelSender delivers notifications; retry policy belongs to the caller.
type ChannelSender interface {
	SendText(ctx context.Context, destination, text string) error
	SendAudio(ctx context.Context, destination, path, caption string) error
}

// RateLimitError is returned by a ChannelSender when the channel asks us to back off.
type RateLimitError struct {
	RetryAfter  time.Duration
	Description string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Description)
}

// SendError is any other rejection from the channel.
type SendError struct {
	Code        int
	Description string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel error %d: %s", e.Code, e.Description)
}

// CheckpointStore persists incremental progress.
type CheckpointStore interface {
	Read(ctx context.Context) (domain.Checkpoint, error)
	Write(ctx context.Context, cp domain.Checkpoint) error
}

// DeliveryLog keeps an audit trail of handled calls.
type DeliveryLog interface {
	Append(ctx context.Context, entry domain.DeliveryEntry) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
