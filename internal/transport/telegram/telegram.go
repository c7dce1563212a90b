package telegram

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "findbrilliant/internal/runtime/supervisor"
	kit "findbrilliant/internal/transport"
	logx "findbrilliant/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// RecentBuffer bounds the per-feed history buffer served by RecentMessages.
	RecentBuffer int
}

// Adapter bridges Telegram (via telebot long polling) to the transport
// contract: push updates out on a channel, send notifications, resolve feeds.
//
// The Bot API has no history-fetch endpoint, so RecentMessages is served from
// a bounded per-feed buffer filled by the same push updates. Restart clears
// the buffer; the poll loop's first-sight watermark rule absorbs that.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Message)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	recentMu sync.Mutex
	recent   map[int64][]kit.Message
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.RecentBuffer <= 0 {
		cfg.RecentBuffer = 50
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, recent: map[int64][]kit.Message{}}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.handleMessage(m)
		return nil
	}

	// Text plus every media kind we care about; media captions are matchable text.
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnVideo, forward)
	a.bot.Handle(tele.OnDocument, forward)
	a.bot.Handle(tele.OnChannelPost, forward)
}

func (a *Adapter) handleMessage(m *tele.Message) {
	msg := convertMessage(m)

	if !msg.IsDirect {
		a.buffer(msg)
	}
	a.sendUpdate(msg)
}

func convertMessage(m *tele.Message) kit.Message {
	msg := kit.Message{
		ID:          m.ID,
		Text:        m.Text,
		HasPhoto:    m.Photo != nil,
		HasVideo:    m.Video != nil,
		HasDocument: m.Document != nil,
		At:          m.Time(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Chat != nil {
		msg.FeedID = m.Chat.ID
		msg.FeedTitle = m.Chat.Title
		msg.FeedHandle = m.Chat.Username
		msg.IsDirect = m.Chat.Type == tele.ChatPrivate
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromLabel = m.Sender.FirstName
		if msg.FromLabel == "" {
			msg.FromLabel = m.Sender.Username
		}
	}
	if msg.FromLabel == "" && m.Chat != nil {
		// Channel posts carry no sender; fall back to the feed title.
		msg.FromLabel = m.Chat.Title
	}
	return msg
}

func (a *Adapter) buffer(msg kit.Message) {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	buf := append(a.recent[msg.FeedID], msg)
	if over := len(buf) - a.cfg.RecentBuffer; over > 0 {
		buf = append(buf[:0], buf[over:]...)
	}
	a.recent[msg.FeedID] = buf
}

func (a *Adapter) sendUpdate(msg kit.Message) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks safe to send to Telegram,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}
		if _, err := a.bot.Send(chat, chunk, sendOpt); err != nil {
			return classifySendError(err)
		}
	}
	return nil
}

// classifySendError maps telebot errors into transport-level error kinds so
// callers don't need to know Telegram specifics.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RateLimitedError{After: time.Now().Add(time.Duration(fe.RetryAfter) * time.Second)}
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrNotStartedByUser) {
		return errors.Join(kit.ErrForbidden, err)
	}
	return err
}

func (a *Adapter) RecentMessages(ctx context.Context, feedID int64, limit int) ([]kit.Message, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if limit <= 0 {
		limit = 10
	}

	a.recentMu.Lock()
	buf := a.recent[feedID]
	out := make([]kit.Message, len(buf))
	copy(out, buf)
	a.recentMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *Adapter) ResolveFeed(ctx context.Context, identifier string) (kit.FeedInfo, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return kit.FeedInfo{}, ctx.Err()
		default:
		}
	}

	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return kit.FeedInfo{}, errors.New("empty feed identifier")
	}

	var (
		chat *tele.Chat
		err  error
	)
	if id, perr := strconv.ParseInt(ident, 10, 64); perr == nil {
		chat, err = a.bot.ChatByID(id)
	} else {
		if !strings.HasPrefix(ident, "@") {
			ident = "@" + ident
		}
		chat, err = a.bot.ChatByUsername(ident)
	}
	if err != nil {
		return kit.FeedInfo{}, classifySendError(err)
	}
	return kit.FeedInfo{ID: chat.ID, Handle: chat.Username, Title: chat.Title}, nil
}
