package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// MessageUser is the author snapshot the backend denormalizes into every message.
type MessageUser struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	Highlight bool    `json:"highlight"`
	Photo     *string `json:"photo"`
}

// ChatMessage is one entry of a room's chat as delivered by the REST backlog
// and the realtime channel.
type ChatMessage struct {
	ID         int64           `json:"id"`
	Content    string          `json:"content"`
	RoomID     int64           `json:"roomId"`
	UserID     int64           `json:"userId"`
	User       *MessageUser    `json:"user,omitempty"`
	IsPinned   bool            `json:"isPinned"`
	PinnedByID *int64          `json:"pinnedById"`
	CreatedAt  time.Time       `json:"createdAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Valid reports whether the message carries the fields the store requires.
func (m ChatMessage) Valid() bool {
	return m.ID != 0 && m.Content != ""
}

// Author returns the display name of the author, falling back to the user id.
func (m ChatMessage) Author() string {
	if m.User != nil && m.User.Name != "" {
		return m.User.Name
	}
	return "user " + itoa(m.UserID)
}

// IsManager reports whether the author posted with the manager role.
func (m ChatMessage) IsManager() bool {
	return m.User != nil && m.User.Role == RoleManager
}

// RoleManager is the role moderators post with.
const RoleManager = "manager"

// RoomStatus is the broadcast state of a room.
type RoomStatus string

const (
	RoomOnline   RoomStatus = "ONLINE"
	RoomWaiting  RoomStatus = "WAITING"
	RoomFinished RoomStatus = "FINISHED"
)

// Room is the moderation view of a room. The chat core never mutates it.
type Room struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	StreamURL       string     `json:"streamUrl"`
	StreamURLEn     string     `json:"streamUrlEn,omitempty"`
	StreamURLEs     string     `json:"streamUrlEs,omitempty"`
	StreamURLLibras string     `json:"streamUrlLibras,omitempty"`
	Status          RoomStatus `json:"status"`
}

// ChannelName returns the presence channel a room's chat is broadcast on.
func ChannelName(roomID int64) string {
	return "presence-room-" + itoa(roomID)
}

// Realtime event names bound on a room channel.
const (
	EventNewMessage      = "new-message"
	EventMessageDeleted  = "message-deleted"
	EventMessagePinned   = "message-pinned"
	EventMessageUnpinned = "message-unpinned"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
