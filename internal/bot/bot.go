// Package bot implements the direct-chat command interface for managing
// search requests.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"findbrilliant/internal/monitor"
	"findbrilliant/internal/registry"
	"findbrilliant/internal/store"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

// Indexer lets the bot refresh the monitoring index after registry writes
// and expose its stats.
type Indexer interface {
	Rebuild(ctx context.Context) error
	Stats() monitor.Stats
}

// Processed exposes suppression-store stats for /stats.
type Processed interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// FeedResolver turns a user-supplied handle or id into a feed.
type FeedResolver interface {
	ResolveFeed(ctx context.Context, identifier string) (kit.FeedInfo, error)
}

type step int

const (
	stepKeywords step = iota
	stepFeeds
)

type session struct {
	step      step
	userRowID int64
	keywords  []string
}

type Service struct {
	reg      registry.Store
	sender   kit.Sender
	resolver FeedResolver
	idx      Indexer
	proc     Processed
	log      logx.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(reg registry.Store, sender kit.Sender, resolver FeedResolver, idx Indexer, proc Processed, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		reg:      reg,
		sender:   sender,
		resolver: resolver,
		idx:      idx,
		proc:     proc,
		log:      log,
		sessions: map[int64]*session{},
	}
}

// HandleUpdate processes one direct message. Replies go back to the sender's
// chat; errors are logged, never surfaced to the user raw.
func (s *Service) HandleUpdate(ctx context.Context, msg kit.Message) {
	if !msg.IsDirect {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	var reply string
	if strings.HasPrefix(text, "/") {
		reply = s.handleCommand(ctx, msg, text)
	} else {
		reply = s.handleDialog(ctx, msg, text)
	}
	if reply == "" {
		return
	}
	if err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.FeedID}, reply, nil); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat_id", msg.FeedID), logx.Err(err))
	}
}

func (s *Service) handleCommand(ctx context.Context, msg kit.Message, text string) string {
	cmd, arg, _ := strings.Cut(text, " ")
	// Strip the @botname suffix of group-style commands.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start":
		s.clearSession(msg.FromID)
		return "Hi! I watch group chats and channels for your keywords.\n\n" +
			"/search — create a new search request\n" +
			"/list — your requests\n" +
			"/cancel — abort the current dialog, or /cancel <id> to deactivate a request\n" +
			"/stats — monitoring status\n" +
			"/help — this message"
	case "/help":
		return "Create a request with /search, then send keywords and the " +
			"feeds to watch. I will message you a link whenever a keyword shows up.\n\n" +
			"/list shows your requests, /cancel <id> deactivates one."
	case "/search":
		return s.startSearch(ctx, msg)
	case "/list":
		return s.listRequests(ctx, msg)
	case "/cancel":
		return s.cancel(ctx, msg, arg)
	case "/stats":
		return s.stats(ctx)
	default:
		return "Unknown command. Try /help."
	}
}

func (s *Service) startSearch(ctx context.Context, msg kit.Message) string {
	rowID, err := s.reg.CreateUser(ctx, msg.FromID, "", msg.FromLabel)
	if err != nil {
		s.log.Error("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return "Something went wrong, please try again."
	}
	s.mu.Lock()
	s.sessions[msg.FromID] = &session{step: stepKeywords, userRowID: rowID}
	s.mu.Unlock()
	return "What should I look for? Send keywords separated by commas, e.g.:\n" +
		"iphone 13, macbook, airpods"
}

func (s *Service) handleDialog(ctx context.Context, msg kit.Message, text string) string {
	s.mu.Lock()
	sess := s.sessions[msg.FromID]
	s.mu.Unlock()
	if sess == nil {
		return "Start with /search to create a request, or /help for the command list."
	}

	switch sess.step {
	case stepKeywords:
		kws := splitList(text)
		if len(kws) == 0 {
			return "I need at least one keyword. Send them separated by commas."
		}
		sess.keywords = kws
		sess.step = stepFeeds
		return fmt.Sprintf("Got %d keyword(s). Now send the chats to watch: "+
			"@handles or numeric ids, separated by spaces or commas.", len(kws))
	case stepFeeds:
		return s.finishSearch(ctx, msg, sess, text)
	default:
		s.clearSession(msg.FromID)
		return "Let's start over: /search"
	}
}

func (s *Service) finishSearch(ctx context.Context, msg kit.Message, sess *session, text string) string {
	refs, failed := s.resolveFeeds(ctx, splitFeeds(text))
	if len(refs) == 0 {
		if len(failed) > 0 {
			return "I could not resolve any of those: " + strings.Join(failed, ", ") +
				". Make sure I am a member of the chat, then try again."
		}
		return "I need at least one chat to watch. Send @handles or ids."
	}

	title := sess.keywords[0]
	reqID, err := s.reg.CreateRequest(ctx, sess.userRowID, title)
	if err == nil {
		err = s.reg.AddKeywords(ctx, reqID, sess.keywords)
	}
	if err == nil {
		err = s.reg.AddFeeds(ctx, reqID, refs)
	}
	if err != nil {
		s.log.Error("request save failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return "Saving the request failed, please try again."
	}
	s.clearSession(msg.FromID)

	if rerr := s.idx.Rebuild(ctx); rerr != nil {
		// The periodic refresh will pick the request up.
		s.log.Warn("index rebuild after save failed", logx.Err(rerr))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request #%d is live. Watching %d chat(s) for: %s",
		reqID, len(refs), strings.Join(sess.keywords, ", "))
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nSkipped (could not resolve): %s", strings.Join(failed, ", "))
	}
	return b.String()
}

func (s *Service) resolveFeeds(ctx context.Context, raw []string) (refs []registry.FeedRef, failed []string) {
	for _, r := range raw {
		info, err := s.resolver.ResolveFeed(ctx, r)
		if err != nil {
			s.log.Debug("feed resolve failed", logx.String("feed", r), logx.Err(err))
			failed = append(failed, r)
			continue
		}
		refs = append(refs, registry.FeedRef{ID: info.ID, Handle: info.Handle, Title: info.Title})
	}
	return refs, failed
}

func (s *Service) listRequests(ctx context.Context, msg kit.Message) string {
	reqs, err := s.reg.UserRequests(ctx, msg.FromID)
	if err != nil {
		s.log.Error("request listing failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return "Something went wrong, please try again."
	}
	if len(reqs) == 0 {
		return "You have no requests yet. Create one with /search."
	}

	var b strings.Builder
	b.WriteString("Your requests:\n")
	for _, r := range reqs {
		state := "active"
		if !r.Active {
			state = "off"
		}
		fmt.Fprintf(&b, "\n#%d [%s] %s\n  feeds: %s\n",
			r.ID, state, strings.Join(r.Keywords, ", "), feedList(r.Feeds))
	}
	b.WriteString("\nDeactivate with /cancel <id>.")
	return b.String()
}

func (s *Service) cancel(ctx context.Context, msg kit.Message, arg string) string {
	if arg == "" {
		if s.clearSession(msg.FromID) {
			return "Dialog cancelled."
		}
		return "Nothing to cancel. Use /cancel <id> to deactivate a request."
	}

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "That doesn't look like a request id. Use /list to see yours."
	}
	if !s.ownsRequest(ctx, msg.FromID, id) {
		return "You have no request with that id. Use /list to see yours."
	}
	if err := s.reg.SetRequestActive(ctx, id, false); err != nil {
		s.log.Error("deactivate failed", logx.Int64("request_id", id), logx.Err(err))
		return "Something went wrong, please try again."
	}
	if rerr := s.idx.Rebuild(ctx); rerr != nil {
		s.log.Warn("index rebuild after deactivate failed", logx.Err(rerr))
	}
	return fmt.Sprintf("Request #%d deactivated.", id)
}

func (s *Service) ownsRequest(ctx context.Context, platformID, requestID int64) bool {
	reqs, err := s.reg.UserRequests(ctx, platformID)
	if err != nil {
		return false
	}
	for _, r := range reqs {
		if r.ID == requestID {
			return true
		}
	}
	return false
}

func (s *Service) stats(ctx context.Context) string {
	ist := s.idx.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Active requests: %d\nMonitored feeds: %d\nFeed monitors: %d",
		ist.ActiveRequests, ist.MonitoredFeeds, ist.TotalMonitors)
	if s.proc != nil {
		if pst, err := s.proc.Stats(ctx); err == nil {
			fmt.Fprintf(&b, "\nProcessed messages: %d (%d in 24h)", pst.Total, pst.Last24)
		}
	}
	return b.String()
}

func (s *Service) clearSession(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return false
	}
	delete(s.sessions, userID)
	return true
}

func splitList(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// splitFeeds also breaks on spaces; feed handles never contain them.
func splitFeeds(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n' || r == ' ' || r == '\t'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func feedList(feeds []registry.FeedRef) string {
	if len(feeds) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(feeds))
	for _, f := range feeds {
		switch {
		case f.Handle != "":
			parts = append(parts, "@"+strings.TrimPrefix(f.Handle, "@"))
		case f.Title != "":
			parts = append(parts, f.Title)
		default:
			parts = append(parts, strconv.FormatInt(f.ID, 10))
		}
	}
	return strings.Join(parts, ", ")
}
