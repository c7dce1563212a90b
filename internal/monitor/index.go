// Package monitor maintains the in-memory index that maps feeds to the
// keyword registrations watching them, and answers match queries against it.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"findbrilliant/internal/registry"
	logx "findbrilliant/pkg/logx"
)

// Registry is the read side the index rebuilds from.
type Registry interface {
	ActiveRequests(ctx context.Context) ([]registry.ActiveRequest, error)
}

// Entry is one keyword registration attached to a feed. Keywords are lower
// case and sorted at rebuild time.
type Entry struct {
	RequestID int64
	OwnerID   int64
	Keywords  []string
}

// Match reports one registration whose keywords occurred in a text.
type Match struct {
	RequestID int64
	OwnerID   int64
	Keywords  []string
}

type Stats struct {
	ActiveRequests int
	MonitoredFeeds int
	TotalMonitors  int
}

type snapshot struct {
	monitors map[int64][]Entry
	requests int
	total    int
}

var emptySnapshot = &snapshot{monitors: map[int64][]Entry{}}

// Index answers IsMonitored and Check against an immutable snapshot that is
// atomically replaced by Rebuild. Readers never block and never observe a
// partially built state.
type Index struct {
	reg  Registry
	log  logx.Logger
	snap atomic.Value // *snapshot
}

func NewIndex(reg Registry, log logx.Logger) *Index {
	if log.IsZero() {
		log = logx.Nop()
	}
	idx := &Index{reg: reg, log: log}
	idx.snap.Store(emptySnapshot)
	return idx
}

// Rebuild fetches the active registrations and swaps in a fresh snapshot.
// On a registry error the previous snapshot is kept and the error returned.
func (x *Index) Rebuild(ctx context.Context) error {
	reqs, err := x.reg.ActiveRequests(ctx)
	if err != nil {
		return fmt.Errorf("rebuild monitors: %w", err)
	}

	next := &snapshot{monitors: make(map[int64][]Entry, len(reqs))}
	for _, r := range reqs {
		if len(r.Keywords) == 0 || len(r.Feeds) == 0 {
			x.log.Warn("skipping registration without keywords or feeds",
				logx.Int64("request_id", r.ID),
				logx.Int("keywords", len(r.Keywords)),
				logx.Int("feeds", len(r.Feeds)))
			continue
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) == 0 {
			continue
		}
		sort.Strings(kws)
		next.requests++
		for _, f := range r.Feeds {
			next.monitors[f.ID] = append(next.monitors[f.ID], Entry{
				RequestID: r.ID,
				OwnerID:   r.OwnerID,
				Keywords:  kws,
			})
			next.total++
		}
	}

	x.snap.Store(next)
	x.log.Debug("monitor index rebuilt",
		logx.Int("requests", next.requests),
		logx.Int("feeds", len(next.monitors)),
		logx.Int("monitors", next.total))
	return nil
}

func (x *Index) load() *snapshot {
	s, _ := x.snap.Load().(*snapshot)
	if s == nil {
		return emptySnapshot
	}
	return s
}

// IsMonitored reports whether any registration watches the feed.
func (x *Index) IsMonitored(feedID int64) bool {
	_, ok := x.load().monitors[feedID]
	return ok
}

// Check returns, for each registration watching the feed, the subset of its
// keywords found in text. Matching is case-insensitive substring containment.
// Empty text or an unmonitored feed yields no matches.
func (x *Index) Check(feedID int64, text string) []Match {
	if text == "" {
		return nil
	}
	entries := x.load().monitors[feedID]
	if len(entries) == 0 {
		return nil
	}
	lower := strings.ToLower(text)

	var out []Match
	for _, e := range entries {
		var hit []string
		for _, kw := range e.Keywords {
			if strings.Contains(lower, kw) {
				hit = append(hit, kw)
			}
		}
		if len(hit) > 0 {
			out = append(out, Match{RequestID: e.RequestID, OwnerID: e.OwnerID, Keywords: hit})
		}
	}
	return out
}

// MonitoredFeeds returns the distinct feed ids in the current snapshot.
func (x *Index) MonitoredFeeds() []int64 {
	s := x.load()
	out := make([]int64, 0, len(s.monitors))
	for id := range s.monitors {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (x *Index) Stats() Stats {
	s := x.load()
	return Stats{
		ActiveRequests: s.requests,
		MonitoredFeeds: len(s.monitors),
		TotalMonitors:  s.total,
	}
}
