package transport

import (
	"context"
	"time"
)

// Message is one inbound message from a monitored feed or a direct chat.
//
// FeedID is the platform chat id. For supergroups/channels Telegram uses the
// -100-prefixed numeric convention; the raw id is carried as-is.
type Message struct {
	ID         int
	FeedID     int64
	FeedTitle  string
	FeedHandle string // public username without '@', empty for private feeds

	FromID    int64
	FromLabel string // sender display name or username, best-effort

	Text string

	HasPhoto    bool
	HasVideo    bool
	HasDocument bool

	// IsDirect marks a private (1:1) chat message, used for the command UI.
	IsDirect bool

	At time.Time
}

// HasMedia reports whether the message carries any media attachment.
func (m Message) HasMedia() bool { return m.HasPhoto || m.HasVideo || m.HasDocument }

// FeedInfo describes a resolved feed.
type FeedInfo struct {
	ID     int64
	Handle string
	Title  string
}

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound message-send collaborator.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// FeedSource is the inbound-event collaborator: real-time push delivery plus
// best-effort history reads used by the poll loop.
type FeedSource interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// RecentMessages returns up to limit recent messages for the feed,
	// ordered ascending by message id.
	RecentMessages(ctx context.Context, feedID int64, limit int) ([]Message, error)

	// ResolveFeed resolves a feed identifier ("@handle", "handle" or a
	// numeric id) into feed metadata.
	ResolveFeed(ctx context.Context, identifier string) (FeedInfo, error)
}

// Adapter is the full platform transport surface.
type Adapter interface {
	Sender
	FeedSource
}
