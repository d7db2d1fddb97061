package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"modchat/internal/logging"
)

// Handler receives the decoded data of a channel event.
type Handler func(data json.RawMessage)

// Channel is a subscription target on a Conn. Handlers run on the
// connection's read goroutine, one event at a time.
type Channel struct {
	name string
	conn *Conn

	mu         sync.Mutex
	handlers   map[string][]Handler
	ready      chan error
	subscribed bool
	members    map[string]json.RawMessage
}

func newChannel(name string, conn *Conn) *Channel {
	return &Channel{
		name:     name,
		conn:     conn,
		handlers: make(map[string][]Handler),
		members:  make(map[string]json.RawMessage),
	}
}

func (ch *Channel) Name() string {
	return ch.name
}

// Subscribed reports whether the service accepted the subscription.
func (ch *Channel) Subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribed
}

// Bind adds a handler for event.
func (ch *Channel) Bind(event string, fn Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[event] = append(ch.handlers[event], fn)
}

// Unbind removes every handler bound to event.
func (ch *Channel) Unbind(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.handlers, event)
}

// UnbindAll removes every handler on the channel.
func (ch *Channel) UnbindAll() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers = make(map[string][]Handler)
}

// Unsubscribe leaves the channel. Handlers stay bound until UnbindAll.
func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	ch.subscribed = false
	ch.mu.Unlock()
	return ch.conn.unsubscribe(ch)
}

// Members returns a copy of the presence members known to the channel.
func (ch *Channel) Members() map[string]json.RawMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]json.RawMessage, len(ch.members))
	for id, info := range ch.members {
		out[id] = info
	}
	return out
}

func (ch *Channel) trackMembers(fn func(members map[string]json.RawMessage)) {
	ch.mu.Lock()
	fn(ch.members)
	ch.mu.Unlock()
}

func (ch *Channel) pending() <-chan error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.ready = make(chan error, 1)
	return ch.ready
}

func (ch *Channel) resolve(err error) {
	ch.mu.Lock()
	ready := ch.ready
	ch.ready = nil
	if err == nil {
		ch.subscribed = true
	}
	ch.mu.Unlock()
	if ready != nil {
		ready <- err
	}
}

func (ch *Channel) handle(event string, data json.RawMessage) {
	log := ch.conn.log.With().Str(logging.FieldChannel, ch.name).Str(logging.FieldEvent, event).Logger()
	switch event {
	case internalSubscriptionSucceeded:
		sub, err := decodeSubscription(data)
		if err != nil {
			log.Warn().Err(err).Msg("bad presence payload")
		}
		ch.trackMembers(func(members map[string]json.RawMessage) {
			clear(members)
			for id, info := range sub.Members {
				members[id] = info
			}
		})
		encoded, _ := json.Marshal(sub)
		// Handlers see the member list before Subscribe returns.
		ch.dispatch(EventSubscriptionSucceeded, encoded)
		ch.resolve(nil)
		return
	case eventSubscriptionError:
		log.Warn().RawJSON("data", safeJSON(data)).Msg("subscription rejected")
		ch.resolve(fmt.Errorf("%w: %s: %s", ErrSubscription, ch.name, string(data)))
		return
	case internalMemberAdded, internalMemberRemoved:
		member, err := decodeMember(data)
		if err != nil {
			log.Warn().Err(err).Msg("bad member payload")
			return
		}
		ch.trackMembers(func(members map[string]json.RawMessage) {
			if event == internalMemberAdded {
				members[member.ID] = member.Info
			} else {
				delete(members, member.ID)
			}
		})
		encoded, _ := json.Marshal(member)
		if event == internalMemberAdded {
			ch.dispatch(EventMemberAdded, encoded)
		} else {
			ch.dispatch(EventMemberRemoved, encoded)
		}
		return
	}
	ch.dispatch(event, data)
}

func (ch *Channel) dispatch(event string, data json.RawMessage) {
	ch.mu.Lock()
	handlers := append([]Handler(nil), ch.handlers[event]...)
	ch.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

func safeJSON(data json.RawMessage) []byte {
	if json.Valid(data) {
		return data
	}
	encoded, _ := json.Marshal(string(data))
	return encoded
}
