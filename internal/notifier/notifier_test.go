package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"findbrilliant/internal/monitor"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

func TestMessageLink(t *testing.T) {
	cases := []struct {
		name   string
		feedID int64
		handle string
		msgID  int
		want   string
	}{
		{"public handle", -1001234, "deals", 42, "https://t.me/deals/42"},
		{"handle with at", -1001234, "@deals", 42, "https://t.me/deals/42"},
		{"private supergroup", -1001234567890, "", 7, "https://t.me/c/1234567890/7"},
		{"legacy group", -4321, "", 9, "message 9 in chat -4321"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MessageLink(tc.feedID, tc.handle, tc.msgID); got != tc.want {
				t.Fatalf("link = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatAlertPreviewBounded(t *testing.T) {
	long := strings.Repeat("объявление ", 50)
	msg := kit.Message{ID: 3, FeedID: -1001, FeedTitle: "Flea Market", Text: long, HasPhoto: true}
	m := monitor.Match{RequestID: 12, OwnerID: 99, Keywords: []string{"объявление"}}

	text := formatAlert(m, msg, 200)
	if !strings.Contains(text, "Flea Market") {
		t.Fatalf("missing feed title:\n%s", text)
	}
	if !strings.Contains(text, "photo") {
		t.Fatalf("missing media flag:\n%s", text)
	}
	if !strings.Contains(text, "Request #12") {
		t.Fatalf("missing request reference:\n%s", text)
	}
	for _, line := range strings.Split(text, "\n") {
		if len([]rune(line)) > 210 {
			t.Fatalf("preview line exceeds bound: %d runes", len([]rune(line)))
		}
	}
}

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchDelivers(t *testing.T) {
	snd := &fakeSender{}
	svc := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000}, snd, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	m := monitor.Match{RequestID: 1, OwnerID: 42, Keywords: []string{"iphone"}}
	msg := kit.Message{ID: 10, FeedID: -1001, FeedHandle: "market", Text: "iphone 13"}
	if err := svc.Dispatch(ctx, m, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool { return snd.callCount() == 1 })
}

func TestRateLimitedRetriesOnce(t *testing.T) {
	snd := &fakeSender{errs: []error{
		&kit.RateLimitedError{After: time.Now().Add(20 * time.Millisecond)},
	}}
	svc := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000, FloodMaxWait: 100 * time.Millisecond}, snd, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	m := monitor.Match{RequestID: 1, OwnerID: 42}
	if err := svc.Dispatch(ctx, m, kit.Message{ID: 1, FeedID: -1}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool { return snd.callCount() == 2 })
}

func TestForbiddenIsNotRetried(t *testing.T) {
	snd := &fakeSender{errs: []error{
		errors.Join(kit.ErrForbidden, errors.New("bot was blocked")),
		errors.Join(kit.ErrForbidden, errors.New("bot was blocked")),
	}}
	svc := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000}, snd, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	m := monitor.Match{RequestID: 1, OwnerID: 42}
	if err := svc.Dispatch(ctx, m, kit.Message{ID: 1, FeedID: -1}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool { return snd.callCount() >= 1 })
	svc.Stop(context.Background())
	if got := snd.callCount(); got != 1 {
		t.Fatalf("send attempts = %d, want 1 (no retry on forbidden)", got)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	svc := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	err := svc.Dispatch(context.Background(), monitor.Match{}, kit.Message{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestQueueFull(t *testing.T) {
	// A sender that blocks keeps the single worker busy so the queue fills.
	block := make(chan struct{})
	snd := blockingSender{release: block}
	svc := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 1000}, snd, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer func() {
		close(block)
		svc.Stop(context.Background())
	}()

	m := monitor.Match{OwnerID: 1}
	msg := kit.Message{ID: 1, FeedID: -1}
	// First fills the worker, second fills the queue; one of the next must overflow.
	var sawFull bool
	for i := 0; i < 4; i++ {
		if err := svc.Dispatch(ctx, m, msg); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawFull {
		t.Fatal("expected ErrQueueFull when worker is stuck")
	}
}

type blockingSender struct{ release chan struct{} }

func (b blockingSender) SendText(ctx context.Context, _ kit.ChatTarget, _ string, _ *kit.SendOptions) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}
