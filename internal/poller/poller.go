// Package poller periodically sweeps monitored feeds and runs any messages
// missed by the push path through the pipeline.
package poller

import (
	"context"
	"math/rand"
	"time"

	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

type Config struct {
	Interval      time.Duration // default 30s
	StartDelay    time.Duration // default 10s
	MaxFeedJitter time.Duration // default 2s
	FetchLimit    int           // default 10
}

// Index exposes the feed set the poller sweeps.
type Index interface {
	MonitoredFeeds() []int64
}

// Source fetches recent history for one feed.
type Source interface {
	RecentMessages(ctx context.Context, feedID int64, limit int) ([]kit.Message, error)
}

// Processor consumes one message; typically the pipeline.
type Processor interface {
	Process(ctx context.Context, msg kit.Message) error
}

// Poller keeps a per-feed watermark of the newest message id it has handed
// to the processor. Watermarks live in memory only; after a restart the
// first sweep of each feed re-baselines without processing, and the
// processed-message store covers any overlap with the push path.
type Poller struct {
	cfg  Config
	idx  Index
	src  Source
	proc Processor
	log  logx.Logger

	watermarks map[int64]int
	rng        *rand.Rand
}

func New(cfg Config, idx Index, src Source, proc Processor, log logx.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = 10 * time.Second
	}
	if cfg.MaxFeedJitter < 0 {
		cfg.MaxFeedJitter = 0
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:        cfg,
		idx:        idx,
		src:        src,
		proc:       proc,
		log:        log,
		watermarks: map[int64]int{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run sweeps until ctx ends. Meant to be supervised.
func (p *Poller) Run(ctx context.Context) error {
	if !p.sleep(ctx, p.cfg.StartDelay) {
		return ctx.Err()
	}
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	feeds := p.idx.MonitoredFeeds()
	for i, feedID := range feeds {
		if ctx.Err() != nil {
			return
		}
		// Spread requests within a sweep so we don't burst the API.
		if i > 0 && p.cfg.MaxFeedJitter > 0 {
			if !p.sleep(ctx, time.Duration(p.rng.Int63n(int64(p.cfg.MaxFeedJitter)))) {
				return
			}
		}
		p.sweepFeed(ctx, feedID)
	}
}

func (p *Poller) sweepFeed(ctx context.Context, feedID int64) {
	msgs, err := p.src.RecentMessages(ctx, feedID, p.cfg.FetchLimit)
	if err != nil {
		p.log.Warn("recent messages fetch failed",
			logx.Int64("feed_id", feedID), logx.Err(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	newest := msgs[len(msgs)-1].ID

	mark, known := p.watermarks[feedID]
	if !known {
		// First sight of a feed establishes the baseline; history before
		// this moment is not replayed.
		p.watermarks[feedID] = newest
		p.log.Debug("feed baseline set",
			logx.Int64("feed_id", feedID), logx.Int("watermark", newest))
		return
	}

	for _, m := range msgs {
		if m.ID <= mark {
			continue
		}
		if err := p.proc.Process(ctx, m); err != nil {
			// Keep the watermark so the message is retried next sweep.
			p.log.Warn("poll processing failed",
				logx.Int64("feed_id", feedID),
				logx.Int("message_id", m.ID),
				logx.Err(err))
			break
		}
		mark = m.ID
	}
	p.watermarks[feedID] = mark
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
