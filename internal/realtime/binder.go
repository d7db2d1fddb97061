package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"modchat/internal/api"
	"modchat/internal/chat"
	"modchat/internal/logging"
)

// Authorizer signs channel subscriptions. *api.Client implements it.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel, token string) (*api.ChannelAuth, error)
}

// Handlers receive the events of a room channel. Nil fields are skipped.
type Handlers struct {
	// OnChatEvent receives new-message, message-deleted, message-pinned and
	// message-unpinned payloads.
	OnChatEvent     func(event string, data json.RawMessage)
	OnMembers       func(members map[string]json.RawMessage)
	OnMemberAdded   func(member Member)
	OnMemberRemoved func(member Member)
	// OnError reports a lost connection. It is armed before the subscribe
	// request, so a loss while Open waits is reported as well as returned.
	OnError func(err error)
}

var chatEvents = []string{
	chat.EventNewMessage,
	chat.EventMessageDeleted,
	chat.EventMessagePinned,
	chat.EventMessageUnpinned,
}

// Binder owns at most one room subscription at a time.
type Binder struct {
	cfg  Config
	auth Authorizer
	log  zerolog.Logger

	mu      sync.Mutex
	current *Subscription
}

func NewBinder(cfg Config, auth Authorizer, logger zerolog.Logger) *Binder {
	return &Binder{cfg: cfg, auth: auth, log: logger}
}

// Subscription is the handle for one room's channel.
type Subscription struct {
	RoomID  int64
	token   string
	conn    *Conn
	channel *Channel

	closeOnce sync.Once
}

// Channel returns the presence channel name.
func (s *Subscription) Channel() string {
	return s.channel.Name()
}

// Done is closed when the underlying connection ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.conn.Done()
}

// Close unbinds every handler, leaves the channel and disconnects. It is
// safe to call more than once and on a nil subscription.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.channel.UnbindAll()
		if err := s.channel.Unsubscribe(); err != nil {
			s.conn.log.Debug().Err(err).Msg("unsubscribe on closed connection")
		}
		_ = s.conn.Disconnect()
	})
}

// rebind swaps in h and hands the current member list to h.OnMembers.
func (s *Subscription) rebind(h Handlers) {
	s.channel.UnbindAll()
	bindHandlers(s.channel, h, s.conn.log)
	s.conn.OnError(h.OnError)
	if h.OnMembers != nil {
		h.OnMembers(s.channel.Members())
	}
}

func (s *Subscription) alive() bool {
	select {
	case <-s.conn.Done():
		return false
	default:
		return s.channel.Subscribed()
	}
}

// Open subscribes to presence-room-{roomID} with token and returns once the
// service confirms the subscription. Re-opening the same room and token
// returns the live subscription with h bound in place of the previous
// handlers; any other subscription is torn down first. A caller whose ctx
// is already done gets ctx.Err() and leaves the current subscription alone.
// Failures are returned as is; retrying is up to the caller.
func (b *Binder) Open(ctx context.Context, roomID int64, token string, h Handlers) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cur := b.current; cur != nil {
		if cur.RoomID == roomID && cur.token == token && cur.alive() {
			cur.rebind(h)
			return cur, nil
		}
		cur.Close()
		b.current = nil
	}

	name := chat.ChannelName(roomID)
	log := b.log.With().Int64(logging.FieldRoomID, roomID).Str(logging.FieldChannel, name).Logger()

	conn, err := Dial(ctx, b.cfg, log)
	if err != nil {
		return nil, err
	}
	auth, err := b.auth.AuthorizeChannel(ctx, conn.SocketID(), name, token)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	ch := conn.Channel(name)
	bindHandlers(ch, h, log)
	conn.OnError(h.OnError)
	if err := conn.Subscribe(ctx, ch, auth.Auth, auth.ChannelData); err != nil {
		ch.UnbindAll()
		_ = conn.Disconnect()
		return nil, err
	}

	sub := &Subscription{RoomID: roomID, token: token, conn: conn, channel: ch}
	b.current = sub
	log.Info().Msg("room channel subscribed")
	return sub, nil
}

// Close tears down the current subscription, if any.
func (b *Binder) Close() {
	b.mu.Lock()
	cur := b.current
	b.current = nil
	b.mu.Unlock()
	cur.Close()
}

func bindHandlers(ch *Channel, h Handlers, log zerolog.Logger) {
	if h.OnChatEvent != nil {
		for _, event := range chatEvents {
			event := event
			ch.Bind(event, func(data json.RawMessage) {
				h.OnChatEvent(event, data)
			})
		}
	}
	if h.OnMembers != nil {
		ch.Bind(EventSubscriptionSucceeded, func(data json.RawMessage) {
			var sub SubscriptionSucceeded
			if err := json.Unmarshal(data, &sub); err != nil {
				log.Warn().Err(err).Msg("bad subscription payload")
				return
			}
			h.OnMembers(sub.Members)
		})
	}
	bindMember := func(event string, fn func(Member)) {
		if fn == nil {
			return
		}
		ch.Bind(event, func(data json.RawMessage) {
			var m Member
			if err := json.Unmarshal(data, &m); err != nil {
				log.Warn().Err(err).Msg("bad member payload")
				return
			}
			fn(m)
		})
	}
	bindMember(EventMemberAdded, h.OnMemberAdded)
	bindMember(EventMemberRemoved, h.OnMemberRemoved)
}
