package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modchat/internal/api"
	"modchat/internal/chat"
	"modchat/internal/logging"
	"modchat/internal/presence"
	"modchat/internal/realtime"
	"modchat/internal/storage"
)

// State is the lifecycle stage of a room session.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateBacklogLoading State = "backlog-loading"
	StateReady          State = "ready"
	StateClosed         State = "closed"
	StateError          State = "error"
)

var (
	// ErrNoRoom is returned by actions issued before any room was opened.
	ErrNoRoom = errors.New("no room is open")
	// ErrEmptyMessage is returned when SendMessage gets blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSuperseded is returned by an Open whose session was replaced by a
	// later Open or Close before it finished.
	ErrSuperseded = errors.New("session superseded")
)

// Subscriber binds a room's realtime channel. *realtime.Binder implements it.
type Subscriber interface {
	Open(ctx context.Context, roomID int64, token string, h realtime.Handlers) (*realtime.Subscription, error)
	Close()
}

// Commands issues REST calls against the chat backend. *api.Client implements it.
type Commands interface {
	FetchBacklog(ctx context.Context, roomID int64, token string, limit int) (*api.Backlog, error)
	Send(ctx context.Context, roomID int64, content, token string) error
	Pin(ctx context.Context, messageID int64, token string) error
	Unpin(ctx context.Context, messageID int64, token string) error
	Delete(ctx context.Context, messageID int64, token string) error
}

// Journal records command outcomes. *storage.Store implements it.
type Journal interface {
	RecordAction(ctx context.Context, a storage.Action) (int64, error)
}

type Deps struct {
	Subscriber Subscriber
	Commands   Commands
	// Journal is optional.
	Journal Journal
	Logger  zerolog.Logger
}

type Options struct {
	// BacklogLimit is passed to FetchBacklog. Zero uses the API default.
	BacklogLimit int
	// RetryBackoff delays Reopen after consecutive failures. The zero value
	// never waits.
	RetryBackoff Backoff
	// CommandLimit caps commands of one kind per CommandWindow. Zero
	// disables the local limit.
	CommandLimit  int
	CommandWindow time.Duration
}

// Snapshot is a consistent view of the session for rendering.
type Snapshot struct {
	RoomID      int64
	State       State
	Messages    []chat.ChatMessage
	Pinned      []chat.ChatMessage
	OnlineCount int
	Loading     bool
	Err         error
	Stats       Stats
}

type queuedEvent struct {
	name string
	data json.RawMessage
}

// Controller runs one moderation session at a time for a room and token.
// Live events that arrive before the backlog is loaded are queued and
// replayed afterwards. Commands never touch the store; their effect arrives
// through the channel like any other moderator's.
type Controller struct {
	subs    Subscriber
	cmds    Commands
	journal Journal
	log     zerolog.Logger
	opts    Options
	updates chan struct{}
	limiter *rateLimiter
	stats   counters

	// bindMu orders subscriber calls so a superseded session cannot
	// replace or tear down a newer session's binding.
	bindMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	roomID   int64
	token    string
	state    State
	err      error
	store    *chat.Store
	tracker  *presence.Tracker
	queue    []queuedEvent
	cancel   context.CancelFunc
	sub      *realtime.Subscription
	failures int
}

func New(deps Deps, opts Options) *Controller {
	return &Controller{
		subs:    deps.Subscriber,
		cmds:    deps.Commands,
		journal: deps.Journal,
		log:     deps.Logger,
		opts:    opts,
		updates: make(chan struct{}, 1),
		limiter: newRateLimiter(opts.CommandLimit, opts.CommandWindow),
		state:   StateIdle,
		store:   chat.NewStore(deps.Logger),
		tracker: presence.NewTracker(),
	}
}

// Updates signals that the snapshot changed. Signals are coalesced: a
// receiver should read Snapshot after each one.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RoomID:      c.roomID,
		State:       c.state,
		Messages:    c.store.Messages(),
		Pinned:      c.store.Pinned(),
		OnlineCount: c.tracker.Count(),
		Loading:     c.state == StateConnecting || c.state == StateBacklogLoading,
		Err:         c.err,
		Stats:       c.stats.snapshot(),
	}
}

// Open starts a session for roomID, replacing the current one. It returns
// once the backlog is loaded, or with the error that put the session into
// StateError. The previous session's context is cancelled first, so its
// pending backlog fetch ends and its late subscribe cannot replace the new
// binding; the subscriber tears down the old binding when it binds the new
// room.
func (c *Controller) Open(ctx context.Context, roomID int64, token string) error {
	gen, sessCtx := c.begin(ctx, roomID, token)
	log := c.log.With().Int64(logging.FieldRoomID, roomID).Uint64("generation", gen).Logger()
	log.Info().Msg("opening room")

	c.bindMu.Lock()
	if !c.current(gen) {
		c.bindMu.Unlock()
		return ErrSuperseded
	}
	sub, err := c.subs.Open(sessCtx, roomID, token, c.handlers(gen))
	c.bindMu.Unlock()
	if err != nil {
		return c.fail(gen, fmt.Errorf("connect to room %d: %w", roomID, err))
	}
	if !c.attach(gen, sub) {
		return ErrSuperseded
	}

	backlog, err := c.cmds.FetchBacklog(sessCtx, roomID, token, c.opts.BacklogLimit)
	if err != nil {
		return c.fail(gen, err)
	}
	return c.ready(gen, backlog, log)
}

// Reopen opens the current room again, typically after an error. With a
// RetryBackoff configured it first waits according to the number of
// consecutive failed opens.
func (c *Controller) Reopen(ctx context.Context) error {
	c.mu.Lock()
	roomID, token, failures := c.roomID, c.token, c.failures
	c.mu.Unlock()
	if roomID == 0 {
		return ErrNoRoom
	}
	if err := c.opts.RetryBackoff.Wait(ctx, failures); err != nil {
		return err
	}
	return c.Open(ctx, roomID, token)
}

// Close ends the session and tears down the binding. It is safe to call
// more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	changed := c.state != StateClosed && c.state != StateIdle
	if changed {
		c.state = StateClosed
	}
	c.queue = nil
	c.sub = nil
	roomID := c.roomID
	c.mu.Unlock()

	c.bindMu.Lock()
	if c.current(gen) {
		c.subs.Close()
	}
	c.bindMu.Unlock()
	if changed {
		stats := c.stats.snapshot()
		c.log.Info().Int64(logging.FieldRoomID, roomID).
			Uint64("events_applied", stats.EventsApplied).
			Uint64("events_ignored", stats.EventsIgnored).
			Uint64("commands_ok", stats.CommandsOK).
			Uint64("commands_failed", stats.CommandsFailed).
			Msg("room closed")
		c.notify()
	}
}

func (c *Controller) begin(parent context.Context, roomID int64, token string) (uint64, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if roomID != c.roomID || token != c.token {
		c.failures = 0
	}
	c.gen++
	sessCtx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.roomID = roomID
	c.token = token
	c.state = StateConnecting
	c.err = nil
	c.queue = nil
	c.sub = nil
	c.store = chat.NewStore(c.log.With().Int64(logging.FieldRoomID, roomID).Logger())
	c.tracker = presence.NewTracker()
	c.stats.reset()
	c.notify()
	return c.gen, sessCtx
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Controller) attach(gen uint64, sub *realtime.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.sub = sub
	c.state = StateBacklogLoading
	c.notify()
	return true
}

func (c *Controller) ready(gen uint64, backlog *api.Backlog, log zerolog.Logger) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		log.Debug().Msg("discarding stale backlog")
		return ErrSuperseded
	}
	if err := c.store.LoadBacklog(backlog.Messages, backlog.PinnedMessages); err != nil {
		c.mu.Unlock()
		return c.fail(gen, err)
	}
	queued := c.queue
	c.queue = nil
	for _, ev := range queued {
		c.apply(ev.name, ev.data)
	}
	c.state = StateReady
	c.failures = 0
	c.mu.Unlock()

	log.Info().Int("messages", len(backlog.Messages)).Int("pinned", len(backlog.PinnedMessages)).Int("replayed", len(queued)).Msg("room ready")
	c.notify()
	return nil
}

// fail moves the current session to StateError and releases its
// subscription. Stale generations are ignored, and a session that already
// failed keeps its first error.
func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if c.state == StateError {
		first := c.err
		c.mu.Unlock()
		return first
	}
	c.state = StateError
	c.err = err
	c.failures++
	c.queue = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	sub := c.sub
	c.sub = nil
	roomID := c.roomID
	c.mu.Unlock()

	c.log.Error().Err(err).Int64(logging.FieldRoomID, roomID).Msg("room session failed")
	sub.Close()
	c.notify()
	return err
}

func (c *Controller) handlers(gen uint64) realtime.Handlers {
	return realtime.Handlers{
		OnChatEvent: func(event string, data json.RawMessage) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if gen != c.gen {
				return
			}
			switch c.state {
			case StateReady:
				c.apply(event, data)
			case StateConnecting, StateBacklogLoading:
				c.queue = append(c.queue, queuedEvent{name: event, data: data})
				c.stats.queued.Add(1)
				return
			default:
				c.stats.ignored.Add(1)
				return
			}
			c.notify()
		},
		OnMembers: func(members map[string]json.RawMessage) {
			c.withTracker(gen, func(t *presence.Tracker) { t.SetFull(members) })
		},
		OnMemberAdded: func(realtime.Member) {
			c.withTracker(gen, func(t *presence.Tracker) { t.Increment() })
		},
		OnMemberRemoved: func(realtime.Member) {
			c.withTracker(gen, func(t *presence.Tracker) { t.Decrement() })
		},
		OnError: func(err error) {
			_ = c.fail(gen, fmt.Errorf("realtime connection lost: %w", err))
		},
	}
}

func (c *Controller) withTracker(gen uint64, fn func(*presence.Tracker)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	fn(c.tracker)
	c.notify()
}

// apply must be called with c.mu held.
func (c *Controller) apply(event string, data json.RawMessage) {
	if err := c.store.ApplyEvent(event, data); err != nil {
		c.stats.ignored.Add(1)
		c.log.Debug().Err(err).Str(logging.FieldEvent, event).Msg("event ignored")
		return
	}
	c.stats.applied.Add(1)
}

func (c *Controller) session() (int64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == 0 || c.state == StateClosed || c.state == StateIdle {
		return 0, "", ErrNoRoom
	}
	return c.roomID, c.token, nil
}

// SendMessage posts content to the open room. The message shows up once
// the channel echoes it back.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	roomID, token, err := c.session()
	if err != nil {
		return err
	}
	if !c.limiter.Allow(string(storage.ActionSend)) {
		return ErrRateLimited
	}
	err = c.cmds.Send(ctx, roomID, content, token)
	c.record(ctx, storage.ActionSend, roomID, 0, err)
	return err
}

func (c *Controller) PinMessage(ctx context.Context, messageID int64) error {
	return c.messageCommand(ctx, storage.ActionPin, messageID, c.cmds.Pin)
}

func (c *Controller) UnpinMessage(ctx context.Context, messageID int64) error {
	return c.messageCommand(ctx, storage.ActionUnpin, messageID, c.cmds.Unpin)
}

func (c *Controller) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.messageCommand(ctx, storage.ActionDelete, messageID, c.cmds.Delete)
}

func (c *Controller) messageCommand(ctx context.Context, kind storage.ActionKind, messageID int64, call func(context.Context, int64, string) error) error {
	roomID, token, err := c.session()
	if err != nil {
		return err
	}
	if !c.limiter.Allow(string(kind)) {
		return ErrRateLimited
	}
	err = call(ctx, messageID, token)
	c.record(ctx, kind, roomID, messageID, err)
	return err
}

func (c *Controller) record(ctx context.Context, kind storage.ActionKind, roomID, messageID int64, cmdErr error) {
	c.stats.command(cmdErr)
	event := c.log.Info()
	if cmdErr != nil {
		event = c.log.Warn().Err(cmdErr)
	}
	event.Str(logging.FieldLogType, logging.LogTypeAudit).
		Str(logging.FieldAction, string(kind)).
		Int64(logging.FieldRoomID, roomID).
		Int64(logging.FieldMessageID, messageID).
		Bool("ok", cmdErr == nil).
		Msg("moderation action")

	if c.journal == nil {
		return
	}
	action := storage.Action{RoomID: roomID, MessageID: messageID, Kind: kind, OK: cmdErr == nil}
	if cmdErr != nil {
		action.Error = cmdErr.Error()
	}
	if _, err := c.journal.RecordAction(context.WithoutCancel(ctx), action); err != nil {
		c.log.Warn().Err(err).Str(logging.FieldAction, string(kind)).Msg("journal write failed")
	}
}
