// Package pipeline runs every monitored-feed message through duplicate
// suppression, keyword matching and alert dispatch.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"findbrilliant/internal/eventbus"
	"findbrilliant/internal/monitor"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

// Matcher is the monitoring index read side.
type Matcher interface {
	IsMonitored(feedID int64) bool
	Check(feedID int64, text string) []monitor.Match
}

// Suppressor is the processed-message store.
type Suppressor interface {
	IsProcessed(ctx context.Context, chatID int64, messageID int) (bool, error)
	MarkProcessed(ctx context.Context, chatID int64, messageID int) error
}

// Dispatcher accepts one alert per match; it must not block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, m monitor.Match, msg kit.Message) error
}

type Pipeline struct {
	idx   Matcher
	store Suppressor
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
}

func New(idx Matcher, store Suppressor, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{idx: idx, store: store, disp: disp, bus: bus, log: log}
}

// Process handles one message end to end. A message is marked processed only
// after its matches (if any) have been dispatched, so a store failure leaves
// it eligible for reprocessing: delivery is at-least-once, never silently
// dropped.
//
// Dispatch failures for individual matches are logged and do not affect the
// other matches or the processed marker.
func (p *Pipeline) Process(ctx context.Context, msg kit.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			p.log.Error("panic while processing message",
				logx.Int64("feed_id", msg.FeedID),
				logx.Int("message_id", msg.ID),
				logx.Any("panic", r))
		}
	}()

	if !p.idx.IsMonitored(msg.FeedID) {
		return nil
	}

	seen, err := p.store.IsProcessed(ctx, msg.FeedID, msg.ID)
	if err != nil {
		return fmt.Errorf("processed lookup: %w", err)
	}
	if seen {
		return nil
	}

	matches := p.idx.Check(msg.FeedID, msg.Text)
	for _, m := range matches {
		if p.bus != nil {
			now := time.Now()
			p.bus.Publish(eventbus.Event{Type: eventbus.TypePipelineMatch, Time: now, Data: MatchEvent{
				FeedID:    msg.FeedID,
				MessageID: msg.ID,
				RequestID: m.RequestID,
				OwnerID:   m.OwnerID,
				Keywords:  m.Keywords,
				At:        now,
			}})
		}
		if derr := p.disp.Dispatch(ctx, m, msg); derr != nil {
			p.log.Warn("alert dispatch failed",
				logx.Int64("feed_id", msg.FeedID),
				logx.Int("message_id", msg.ID),
				logx.Int64("request_id", m.RequestID),
				logx.Err(derr))
		}
	}

	if err := p.store.MarkProcessed(ctx, msg.FeedID, msg.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MatchEvent is the eventbus payload published for every keyword hit.
type MatchEvent struct {
	FeedID    int64
	MessageID int
	RequestID int64
	OwnerID   int64
	Keywords  []string
	At        time.Time
}
