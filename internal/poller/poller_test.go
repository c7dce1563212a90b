package poller

import (
	"context"
	"errors"
	"testing"

	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

type fakeIndex struct{ feeds []int64 }

func (f fakeIndex) MonitoredFeeds() []int64 { return f.feeds }

type fakeSource struct {
	msgs map[int64][]kit.Message
	err  error
}

func (f *fakeSource) RecentMessages(_ context.Context, feedID int64, limit int) ([]kit.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := f.msgs[feedID]
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type recordingProcessor struct {
	ids  []int
	fail map[int]error
}

func (r *recordingProcessor) Process(_ context.Context, m kit.Message) error {
	if err := r.fail[m.ID]; err != nil {
		return err
	}
	r.ids = append(r.ids, m.ID)
	return nil
}

func msgs(feedID int64, ids ...int) []kit.Message {
	out := make([]kit.Message, len(ids))
	for i, id := range ids {
		out[i] = kit.Message{ID: id, FeedID: feedID, Text: "t"}
	}
	return out
}

func newTestPoller(src *fakeSource, proc *recordingProcessor, feeds ...int64) *Poller {
	return New(Config{FetchLimit: 10}, fakeIndex{feeds: feeds}, src, proc, logx.Nop())
}

func TestFirstSightSetsBaselineWithoutProcessing(t *testing.T) {
	src := &fakeSource{msgs: map[int64][]kit.Message{-1: msgs(-1, 100, 101, 102)}}
	proc := &recordingProcessor{}
	p := newTestPoller(src, proc, -1)

	p.sweep(context.Background())
	if len(proc.ids) != 0 {
		t.Fatalf("first sweep processed %v, want nothing", proc.ids)
	}

	src.msgs[-1] = msgs(-1, 100, 101, 102, 103)
	p.sweep(context.Background())
	if len(proc.ids) != 1 || proc.ids[0] != 103 {
		t.Fatalf("second sweep processed %v, want only [103]", proc.ids)
	}
}

func TestMessagesProcessedOldestFirst(t *testing.T) {
	src := &fakeSource{msgs: map[int64][]kit.Message{-1: msgs(-1, 10)}}
	proc := &recordingProcessor{}
	p := newTestPoller(src, proc, -1)

	p.sweep(context.Background())
	src.msgs[-1] = msgs(-1, 10, 11, 12, 13)
	p.sweep(context.Background())

	want := []int{11, 12, 13}
	if len(proc.ids) != len(want) {
		t.Fatalf("processed %v, want %v", proc.ids, want)
	}
	for i := range want {
		if proc.ids[i] != want[i] {
			t.Fatalf("processed %v, want ascending %v", proc.ids, want)
		}
	}
}

func TestProcessingErrorRetriesNextSweep(t *testing.T) {
	src := &fakeSource{msgs: map[int64][]kit.Message{-1: msgs(-1, 1)}}
	proc := &recordingProcessor{fail: map[int]error{2: errors.New("store down")}}
	p := newTestPoller(src, proc, -1)

	p.sweep(context.Background())
	src.msgs[-1] = msgs(-1, 1, 2, 3)
	p.sweep(context.Background())
	if len(proc.ids) != 0 {
		t.Fatalf("failed message should halt the feed sweep, got %v", proc.ids)
	}

	delete(proc.fail, 2)
	p.sweep(context.Background())
	want := []int{2, 3}
	if len(proc.ids) != 2 || proc.ids[0] != want[0] || proc.ids[1] != want[1] {
		t.Fatalf("retry sweep processed %v, want %v", proc.ids, want)
	}
}

func TestFetchFailureSkipsFeed(t *testing.T) {
	src := &fakeSource{err: errors.New("adapter down")}
	proc := &recordingProcessor{}
	p := newTestPoller(src, proc, -1, -2)

	p.sweep(context.Background())
	if len(proc.ids) != 0 {
		t.Fatalf("processed %v despite fetch failure", proc.ids)
	}
	if len(p.watermarks) != 0 {
		t.Fatalf("watermarks set on failure: %v", p.watermarks)
	}
}

func TestFeedsAreIndependent(t *testing.T) {
	src := &fakeSource{msgs: map[int64][]kit.Message{
		-1: msgs(-1, 5),
		-2: msgs(-2, 50),
	}}
	proc := &recordingProcessor{}
	p := newTestPoller(src, proc, -1, -2)

	p.sweep(context.Background())
	src.msgs[-1] = msgs(-1, 5, 6)
	src.msgs[-2] = msgs(-2, 50, 51)
	p.sweep(context.Background())

	if len(proc.ids) != 2 {
		t.Fatalf("processed %v, want one new message per feed", proc.ids)
	}
}
