package registry

import (
	"context"
	"time"
)

// FeedRef identifies one monitored feed attached to a search request.
type FeedRef struct {
	ID     int64
	Handle string
	Title  string
}

// ActiveRequest is the denormalized view of one active search request, as
// returned by ActiveRequests in a single batch read. OwnerID is the owner's
// platform user id (notification target), not the internal row id.
type ActiveRequest struct {
	ID       int64
	OwnerID  int64
	Keywords []string
	Feeds    []FeedRef
}

// RequestSummary is the per-user listing view used by the command UI.
type RequestSummary struct {
	ID        int64
	Title     string
	Active    bool
	Keywords  []string
	Feeds     []FeedRef
	CreatedAt time.Time
}

// Store is the registry contract: users, search requests, keywords and feeds.
// The monitoring core only ever reads via ActiveRequests; writes come from
// the command UI.
type Store interface {
	// CreateUser upserts a user by platform id and returns the internal row id.
	CreateUser(ctx context.Context, platformID int64, username, firstName string) (int64, error)

	// CreateRequest creates a new active search request owned by the given
	// internal user id.
	CreateRequest(ctx context.Context, userID int64, title string) (int64, error)

	// AddKeywords attaches keywords to a request. Keywords are normalized to
	// lower case at write time.
	AddKeywords(ctx context.Context, requestID int64, keywords []string) error

	// AddFeeds upserts the feeds and links them to the request.
	AddFeeds(ctx context.Context, requestID int64, feeds []FeedRef) error

	// UserRequests lists a user's search requests (by platform id), newest first.
	UserRequests(ctx context.Context, platformID int64) ([]RequestSummary, error)

	SetRequestActive(ctx context.Context, requestID int64, active bool) error
	DeleteRequest(ctx context.Context, requestID int64) error

	// ActiveRequests returns every active request with its keywords and feeds,
	// fully joined, in one batch call. This is the sole feed for index rebuild.
	ActiveRequests(ctx context.Context) ([]ActiveRequest, error)

	Close() error
}
