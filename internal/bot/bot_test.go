package bot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"findbrilliant/internal/monitor"
	"findbrilliant/internal/registry"
	"findbrilliant/internal/store"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

type fakeRegistry struct {
	users    map[int64]int64
	requests []fakeRequest
	nextID   int64
}

type fakeRequest struct {
	id       int64
	owner    int64 // platform id
	title    string
	active   bool
	keywords []string
	feeds    []registry.FeedRef
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{users: map[int64]int64{}, nextID: 1}
}

func (f *fakeRegistry) CreateUser(_ context.Context, platformID int64, _, _ string) (int64, error) {
	if id, ok := f.users[platformID]; ok {
		return id, nil
	}
	id := int64(len(f.users) + 1)
	f.users[platformID] = id
	return id, nil
}

func (f *fakeRegistry) platformOf(rowID int64) int64 {
	for pid, rid := range f.users {
		if rid == rowID {
			return pid
		}
	}
	return 0
}

func (f *fakeRegistry) CreateRequest(_ context.Context, userID int64, title string) (int64, error) {
	id := f.nextID
	f.nextID++
	f.requests = append(f.requests, fakeRequest{id: id, owner: f.platformOf(userID), title: title, active: true})
	return id, nil
}

func (f *fakeRegistry) find(id int64) *fakeRequest {
	for i := range f.requests {
		if f.requests[i].id == id {
			return &f.requests[i]
		}
	}
	return nil
}

func (f *fakeRegistry) AddKeywords(_ context.Context, requestID int64, kws []string) error {
	r := f.find(requestID)
	if r == nil {
		return errors.New("no request")
	}
	for _, kw := range kws {
		r.keywords = append(r.keywords, strings.ToLower(kw))
	}
	return nil
}

func (f *fakeRegistry) AddFeeds(_ context.Context, requestID int64, feeds []registry.FeedRef) error {
	r := f.find(requestID)
	if r == nil {
		return errors.New("no request")
	}
	r.feeds = append(r.feeds, feeds...)
	return nil
}

func (f *fakeRegistry) UserRequests(_ context.Context, platformID int64) ([]registry.RequestSummary, error) {
	var out []registry.RequestSummary
	for _, r := range f.requests {
		if r.owner != platformID {
			continue
		}
		out = append(out, registry.RequestSummary{
			ID: r.id, Title: r.title, Active: r.active,
			Keywords: r.keywords, Feeds: r.feeds,
		})
	}
	return out, nil
}

func (f *fakeRegistry) SetRequestActive(_ context.Context, requestID int64, active bool) error {
	r := f.find(requestID)
	if r == nil {
		return errors.New("no request")
	}
	r.active = active
	return nil
}

func (f *fakeRegistry) DeleteRequest(_ context.Context, requestID int64) error { return nil }

func (f *fakeRegistry) ActiveRequests(context.Context) ([]registry.ActiveRequest, error) {
	return nil, nil
}

func (f *fakeRegistry) Close() error { return nil }

type replySink struct{ replies []string }

func (r *replySink) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	r.replies = append(r.replies, text)
	return nil
}

func (r *replySink) last() string {
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type fakeResolver struct{ known map[string]kit.FeedInfo }

func (f fakeResolver) ResolveFeed(_ context.Context, id string) (kit.FeedInfo, error) {
	if info, ok := f.known[id]; ok {
		return info, nil
	}
	return kit.FeedInfo{}, errors.New("chat not found")
}

type fakeIndexer struct{ rebuilds int }

func (f *fakeIndexer) Rebuild(context.Context) error { f.rebuilds++; return nil }
func (f *fakeIndexer) Stats() monitor.Stats {
	return monitor.Stats{ActiveRequests: 1, MonitoredFeeds: 2, TotalMonitors: 3}
}

type fakeProcessed struct{}

func (fakeProcessed) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Total: 10, Last24: 4}, nil
}

func direct(userID int64, text string) kit.Message {
	return kit.Message{ID: 1, FeedID: userID, FromID: userID, FromLabel: "Tester", Text: text, IsDirect: true}
}

func newTestBot(reg *fakeRegistry, snd *replySink, idx *fakeIndexer) *Service {
	res := fakeResolver{known: map[string]kit.FeedInfo{
		"@market": {ID: -1001, Handle: "market", Title: "Market"},
	}}
	return New(reg, snd, res, idx, fakeProcessed{}, logx.Nop())
}

func TestSearchDialogCreatesRequest(t *testing.T) {
	reg := newFakeRegistry()
	snd := &replySink{}
	idx := &fakeIndexer{}
	b := newTestBot(reg, snd, idx)
	ctx := context.Background()

	b.HandleUpdate(ctx, direct(7, "/search"))
	if !strings.Contains(snd.last(), "keywords") {
		t.Fatalf("keyword prompt missing: %q", snd.last())
	}

	b.HandleUpdate(ctx, direct(7, "iPhone 13, MacBook"))
	if !strings.Contains(snd.last(), "2 keyword") {
		t.Fatalf("feed prompt missing: %q", snd.last())
	}

	b.HandleUpdate(ctx, direct(7, "@market @nowhere"))
	reply := snd.last()
	if !strings.Contains(reply, "Request #1 is live") {
		t.Fatalf("confirmation missing: %q", reply)
	}
	if !strings.Contains(reply, "Skipped") || !strings.Contains(reply, "@nowhere") {
		t.Fatalf("unresolved feed not reported: %q", reply)
	}

	if len(reg.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(reg.requests))
	}
	r := reg.requests[0]
	if len(r.keywords) != 2 || r.keywords[0] != "iphone 13" {
		t.Fatalf("keywords = %v", r.keywords)
	}
	if len(r.feeds) != 1 || r.feeds[0].ID != -1001 {
		t.Fatalf("feeds = %v", r.feeds)
	}
	if idx.rebuilds != 1 {
		t.Fatalf("rebuilds = %d, want 1 after save", idx.rebuilds)
	}
}

func TestDialogRequiresKeywords(t *testing.T) {
	reg := newFakeRegistry()
	snd := &replySink{}
	b := newTestBot(reg, snd, &fakeIndexer{})
	ctx := context.Background()

	b.HandleUpdate(ctx, direct(7, "/search"))
	b.HandleUpdate(ctx, direct(7, " , ,, "))
	if !strings.Contains(snd.last(), "at least one keyword") {
		t.Fatalf("empty keywords accepted: %q", snd.last())
	}
}

func TestCancelDialog(t *testing.T) {
	reg := newFakeRegistry()
	snd := &replySink{}
	b := newTestBot(reg, snd, &fakeIndexer{})
	ctx := context.Background()

	b.HandleUpdate(ctx, direct(7, "/search"))
	b.HandleUpdate(ctx, direct(7, "/cancel"))
	if !strings.Contains(snd.last(), "cancelled") {
		t.Fatalf("cancel reply = %q", snd.last())
	}
	b.HandleUpdate(ctx, direct(7, "some text"))
	if !strings.Contains(snd.last(), "/search") {
		t.Fatalf("session not cleared: %q", snd.last())
	}
}

func TestCancelDeactivatesOwnRequestOnly(t *testing.T) {
	reg := newFakeRegistry()
	snd := &replySink{}
	idx := &fakeIndexer{}
	b := newTestBot(reg, snd, idx)
	ctx := context.Background()

	uid, _ := reg.CreateUser(ctx, 7, "", "")
	reqID, _ := reg.CreateRequest(ctx, uid, "mine")

	b.HandleUpdate(ctx, direct(8, "/cancel 1"))
	if !strings.Contains(snd.last(), "no request with that id") {
		t.Fatalf("foreign cancel allowed: %q", snd.last())
	}

	b.HandleUpdate(ctx, direct(7, "/cancel 1"))
	if !strings.Contains(snd.last(), "deactivated") {
		t.Fatalf("cancel reply = %q", snd.last())
	}
	if reg.find(reqID).active {
		t.Fatal("request still active")
	}
}

func TestListAndStats(t *testing.T) {
	reg := newFakeRegistry()
	snd := &replySink{}
	b := newTestBot(reg, snd, &fakeIndexer{})
	ctx := context.Background()

	b.HandleUpdate(ctx, direct(7, "/list"))
	if !strings.Contains(snd.last(), "no requests yet") {
		t.Fatalf("empty list reply = %q", snd.last())
	}

	uid, _ := reg.CreateUser(ctx, 7, "", "")
	reqID, _ := reg.CreateRequest(ctx, uid, "t")
	_ = reg.AddKeywords(ctx, reqID, []string{"iphone"})
	b.HandleUpdate(ctx, direct(7, "/list"))
	if !strings.Contains(snd.last(), "iphone") {
		t.Fatalf("list reply = %q", snd.last())
	}

	b.HandleUpdate(ctx, direct(7, "/stats"))
	if !strings.Contains(snd.last(), "Monitored feeds: 2") {
		t.Fatalf("stats reply = %q", snd.last())
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	snd := &replySink{}
	b := newTestBot(newFakeRegistry(), snd, &fakeIndexer{})
	msg := direct(7, "/search")
	msg.IsDirect = false
	b.HandleUpdate(context.Background(), msg)
	if len(snd.replies) != 0 {
		t.Fatalf("group message answered: %v", snd.replies)
	}
}

func TestUnknownCommand(t *testing.T) {
	snd := &replySink{}
	b := newTestBot(newFakeRegistry(), snd, &fakeIndexer{})
	b.HandleUpdate(context.Background(), direct(7, "/frobnicate"))
	if !strings.Contains(snd.last(), "Unknown command") {
		t.Fatalf("reply = %q", snd.last())
	}
}
