package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrBacklogLoaded is returned when LoadBacklog is called twice without a Reset.
var ErrBacklogLoaded = errors.New("backlog already loaded")

// Store holds one room's message list and pinned set for the length of a
// moderation session. It is safe for concurrent use.
//
// The list keeps arrival order and never holds two entries with the same id.
// A message's IsPinned flag always mirrors membership in the pinned set.
type Store struct {
	mu       sync.Mutex
	messages []ChatMessage
	pinned   []ChatMessage
	ids      map[int64]struct{}
	loaded   bool
	log      zerolog.Logger
}

// NewStore returns an empty store that reports dropped events to logger.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		messages: make([]ChatMessage, 0, 64),
		ids:      make(map[int64]struct{}),
		log:      logger,
	}
}

// LoadBacklog replaces both collections with the fetched backlog. Entries that
// arrived live before the backlog and are not part of it are kept after it.
func (s *Store) LoadBacklog(messages, pinned []ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return ErrBacklogLoaded
	}

	nextPinned := make([]ChatMessage, 0, len(pinned)+len(s.pinned))
	pinnedIDs := make(map[int64]struct{}, cap(nextPinned))
	for _, group := range [][]ChatMessage{pinned, s.pinned} {
		for _, msg := range group {
			if msg.ID == 0 {
				continue
			}
			if _, dup := pinnedIDs[msg.ID]; dup {
				continue
			}
			pinnedIDs[msg.ID] = struct{}{}
			msg.IsPinned = true
			nextPinned = append(nextPinned, msg)
		}
	}

	nextMessages := make([]ChatMessage, 0, len(messages)+len(s.messages))
	ids := make(map[int64]struct{}, cap(nextMessages))
	for _, group := range [][]ChatMessage{messages, s.messages} {
		for _, msg := range group {
			if !msg.Valid() {
				continue
			}
			if _, dup := ids[msg.ID]; dup {
				continue
			}
			ids[msg.ID] = struct{}{}
			_, msg.IsPinned = pinnedIDs[msg.ID]
			nextMessages = append(nextMessages, msg)
		}
	}

	dropped := len(messages) + len(s.messages) - len(nextMessages)
	if dropped > 0 {
		s.log.Debug().Int("dropped", dropped).Msg("backlog merged with live messages")
	}

	s.messages = nextMessages
	s.pinned = nextPinned
	s.ids = ids
	s.loaded = true
	return nil
}

// Insert appends msg when it is valid and its id is not present yet. It
// reports whether the message was added; duplicates are expected on redelivery.
func (s *Store) Insert(msg ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !msg.Valid() {
		s.log.Debug().Int64("message_id", msg.ID).Msg("dropping invalid message")
		return false
	}
	if _, dup := s.ids[msg.ID]; dup {
		s.log.Debug().Int64("message_id", msg.ID).Msg("dropping duplicate message")
		return false
	}
	msg.IsPinned = s.pinnedIndex(msg.ID) >= 0
	s.messages = append(s.messages, msg)
	s.ids[msg.ID] = struct{}{}
	return true
}

// Remove deletes id from the list and the pinned set. It reports whether
// anything was removed.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	if i := s.messageIndex(id); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		delete(s.ids, id)
		removed = true
	}
	if i := s.pinnedIndex(id); i >= 0 {
		s.pinned = append(s.pinned[:i], s.pinned[i+1:]...)
		removed = true
	}
	return removed
}

// Pin adds msg to the pinned set if absent and flags the list entry.
func (s *Store) Pin(msg ChatMessage) error {
	if msg.ID == 0 {
		s.log.Warn().Msg("pin event without message id")
		return ErrMalformedEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.messageIndex(msg.ID); i >= 0 {
		s.messages[i].IsPinned = true
		if !msg.Valid() {
			msg = s.messages[i]
		}
	}
	if s.pinnedIndex(msg.ID) < 0 {
		msg.IsPinned = true
		s.pinned = append(s.pinned, msg)
	}
	return nil
}

// Unpin removes msg from the pinned set and clears the list entry's flag.
func (s *Store) Unpin(msg ChatMessage) error {
	if msg.ID == 0 {
		s.log.Warn().Msg("unpin event without message id")
		return ErrMalformedEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.pinnedIndex(msg.ID); i >= 0 {
		s.pinned = append(s.pinned[:i], s.pinned[i+1:]...)
	}
	if i := s.messageIndex(msg.ID); i >= 0 {
		s.messages[i].IsPinned = false
	}
	return nil
}

// ApplyEvent routes a raw realtime chat event to the matching operation.
func (s *Store) ApplyEvent(name string, raw json.RawMessage) error {
	switch name {
	case EventNewMessage:
		msg, err := NormalizeMessageEvent(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("event", name).Msg("ignoring event")
			return err
		}
		s.Insert(msg)
		return nil
	case EventMessageDeleted:
		id, err := DeletedMessageID(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("event", name).Msg("ignoring event")
			return err
		}
		s.Remove(id)
		return nil
	case EventMessagePinned, EventMessageUnpinned:
		msg, err := NormalizeMessageEvent(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("event", name).Msg("ignoring event")
			return err
		}
		if name == EventMessagePinned {
			return s.Pin(msg)
		}
		return s.Unpin(msg)
	}
	return fmt.Errorf("unknown chat event %q", name)
}

// Messages returns a copy of the list in arrival order.
func (s *Store) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.messages...)
}

// Pinned returns a copy of the pinned set in pin order.
func (s *Store) Pinned() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.pinned...)
}

// Loaded reports whether the backlog has been applied.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Reset empties the store for a new room.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	s.pinned = nil
	s.ids = make(map[int64]struct{})
	s.loaded = false
}

func (s *Store) messageIndex(id int64) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) pinnedIndex(id int64) int {
	for i := range s.pinned {
		if s.pinned[i].ID == id {
			return i
		}
	}
	return -1
}
