package registry

import (
	"context"
	"path/filepath"
	"testing"

	logx "findbrilliant/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "registry.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateUserUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id1, err := st.CreateUser(ctx, 777, "alice", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id2, err := st.CreateUser(ctx, 777, "alice2", "Alice")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert changed row id: %d != %d", id1, id2)
	}
}

func TestActiveRequestsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uid, err := st.CreateUser(ctx, 1001, "bob", "Bob")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	reqID, err := st.CreateRequest(ctx, uid, "phones")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := st.AddKeywords(ctx, reqID, []string{"iPhone", "  Pixel ", ""}); err != nil {
		t.Fatalf("keywords: %v", err)
	}
	if err := st.AddFeeds(ctx, reqID, []FeedRef{
		{ID: -100123, Handle: "marketplace", Title: "Marketplace"},
		{ID: -100456, Title: "Private Deals"},
	}); err != nil {
		t.Fatalf("feeds: %v", err)
	}

	active, err := st.ActiveRequests(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count = %d, want 1", len(active))
	}
	got := active[0]
	if got.ID != reqID {
		t.Fatalf("request id = %d, want %d", got.ID, reqID)
	}
	if got.OwnerID != 1001 {
		t.Fatalf("owner id = %d, want platform id 1001", got.OwnerID)
	}
	if len(got.Keywords) != 2 {
		t.Fatalf("keywords = %v, want 2 normalized entries", got.Keywords)
	}
	for _, kw := range got.Keywords {
		if kw != "iphone" && kw != "pixel" {
			t.Fatalf("keyword %q not lowercased/trimmed", kw)
		}
	}
	if len(got.Feeds) != 2 {
		t.Fatalf("feeds = %v, want 2", got.Feeds)
	}
}

func TestSetRequestActiveHidesFromActiveSet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uid, _ := st.CreateUser(ctx, 2002, "", "Carol")
	reqID, _ := st.CreateRequest(ctx, uid, "")
	if err := st.AddKeywords(ctx, reqID, []string{"bike"}); err != nil {
		t.Fatalf("keywords: %v", err)
	}

	if err := st.SetRequestActive(ctx, reqID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := st.ActiveRequests(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("deactivated request still returned: %v", active)
	}

	if err := st.SetRequestActive(ctx, reqID+99, true); err == nil {
		t.Fatal("expected error for unknown request id")
	}
}

func TestUserRequestsListing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uid, _ := st.CreateUser(ctx, 3003, "dan", "Dan")
	first, _ := st.CreateRequest(ctx, uid, "first")
	_ = st.AddKeywords(ctx, first, []string{"a"})
	second, _ := st.CreateRequest(ctx, uid, "second")
	_ = st.AddKeywords(ctx, second, []string{"b"})

	list, err := st.UserRequests(ctx, 3003)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}

	other, err := st.UserRequests(ctx, 9999)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected requests for unknown user: %v", other)
	}
}

func TestDeleteRequestCascades(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uid, _ := st.CreateUser(ctx, 4004, "", "Eve")
	reqID, _ := st.CreateRequest(ctx, uid, "gone")
	_ = st.AddKeywords(ctx, reqID, []string{"x"})
	_ = st.AddFeeds(ctx, reqID, []FeedRef{{ID: -1, Title: "t"}})

	if err := st.DeleteRequest(ctx, reqID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	active, err := st.ActiveRequests(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("deleted request still active: %v", active)
	}
}
