// Package notifier delivers keyword alerts to request owners through an
// async queue with a worker pool, rate limiting and flood-aware retry.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"findbrilliant/internal/eventbus"
	"findbrilliant/internal/monitor"
	rtsup "findbrilliant/internal/runtime/supervisor"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Workers      int
	QueueSize    int
	RatePerSec   int
	FloodMaxWait time.Duration
	PreviewLen   int
}

type job struct {
	chatID    int64
	requestID int64
	text      string
}

// AlertEvent is the eventbus payload for sent/failed/dropped alerts.
type AlertEvent struct {
	ChatID    int64
	RequestID int64
	At        time.Time
	Error     string
}

// Service is safe for concurrent use. Dispatch never blocks on a slow
// Telegram send; a full queue is reported as ErrQueueFull.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps runtime-tunable settings. Workers and queue size take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.FloodMaxWait <= 0 {
		cfg.FloodMaxWait = 30 * time.Second
	}
	if cfg.PreviewLen <= 0 {
		cfg.PreviewLen = 200
	}
	s.cfg = cfg
	// Token bucket with burst = rate per sec, so short spikes don't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Delivery failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch formats and enqueues one alert for the match owner.
func (s *Service) Dispatch(ctx context.Context, m monitor.Match, msg kit.Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	previewLen := s.cfg.PreviewLen
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	j := job{
		chatID:    m.OwnerID,
		requestID: m.RequestID,
		text:      formatAlert(m, msg, previewLen),
	}
	select {
	case q <- j:
		return nil
	default:
		s.publish(eventbus.TypeNotifyDropped, j, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one alert. A rate-limit response gets one bounded wait and a
// single retry; a forbidden target is logged and dropped.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	lim := s.limiter
	floodMax := s.cfg.FloodMaxWait
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	err := s.send(ctx, j)
	if err == nil {
		s.publish(eventbus.TypeNotifySent, j, nil)
		return
	}

	if errors.Is(err, kit.ErrForbidden) {
		s.log.Warn("alert target unreachable",
			logx.Int64("chat_id", j.chatID),
			logx.Int64("request_id", j.requestID),
			logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, j, err)
		return
	}

	if after, ok := kit.RetryAfter(err); ok {
		wait := after
		if wait <= 0 || wait > floodMax {
			wait = floodMax
		}
		s.log.Debug("rate limited; retrying once",
			logx.Int64("chat_id", j.chatID),
			logx.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
		err = s.send(ctx, j)
		if err == nil {
			s.publish(eventbus.TypeNotifySent, j, nil)
			return
		}
	}

	s.log.Warn("alert delivery failed",
		logx.Int64("chat_id", j.chatID),
		logx.Int64("request_id", j.requestID),
		logx.Err(err))
	s.publish(eventbus.TypeNotifyFailed, j, err)
}

func (s *Service) send(ctx context.Context, j job) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.sender.SendText(callCtx, kit.ChatTarget{ChatID: j.chatID}, j.text,
		&kit.SendOptions{DisablePreview: false})
}

func (s *Service) publish(typ string, j job, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := AlertEvent{ChatID: j.chatID, RequestID: j.requestID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
