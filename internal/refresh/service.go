// Package refresh runs the recurring background jobs: monitoring index
// rebuilds, processed-message pruning and the heartbeat.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "findbrilliant/pkg/logx"
)

type job struct {
	name string
	spec string
	fn   func(ctx context.Context)
}

// Service is a thin cron wrapper with named jobs and panic containment.
// Jobs registered with an "@every" spec get their first run after one full
// interval, so startup work belongs to the caller.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	parser cron.Parser
	jobs   []job

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. Spec accepts 5-field cron expressions and descriptors
// such as "@daily" or "@every 30s". Must be called before Start.
func (s *Service) Add(name, spec string, fn func(ctx context.Context)) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return fmt.Errorf("job %s: scheduler already started", name)
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
	return nil
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser))
	for _, j := range s.jobs {
		j := j
		_, err := s.c.AddFunc(j.spec, func() { s.run(j) })
		if err != nil {
			s.log.Error("job registration failed",
				logx.String("job", j.name), logx.Err(err))
			continue
		}
	}
	s.c.Start()
	s.log.Info("refresh scheduler started", logx.Int("jobs", len(s.jobs)))
}

func (s *Service) run(j job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.name), logx.Any("panic", r))
		}
	}()
	start := time.Now()
	j.fn(ctx)
	s.log.Debug("job finished",
		logx.String("job", j.name), logx.Duration("took", time.Since(start)))
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		defer cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
