package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"modchat/internal/chat"
)

// DefaultBacklogLimit matches what the dashboard requests when a room opens.
const DefaultBacklogLimit = 20000

// Backlog is the message history returned when a moderation session starts.
type Backlog struct {
	Messages       []chat.ChatMessage `json:"messages"`
	PinnedMessages []chat.ChatMessage `json:"pinnedMessages"`
}

type sendPayload struct {
	Content string `json:"content"`
	RoomID  int64  `json:"roomId"`
}

// FetchBacklog loads up to limit messages and the pinned set of a room.
func (c *Client) FetchBacklog(ctx context.Context, roomID int64, token string, limit int) (*Backlog, error) {
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	var backlog Backlog
	err := c.do(ctx, request{
		op:     "load messages",
		method: http.MethodGet,
		path:   idPath("/chat/rooms/%s/messages", roomID) + "?" + query.Encode(),
		token:  token,
	}, &backlog)
	if err != nil {
		return nil, err
	}
	return &backlog, nil
}

// Send posts content to the room. The stored message comes back through the
// realtime channel, so the response body is ignored.
func (c *Client) Send(ctx context.Context, roomID int64, content, token string) error {
	return c.do(ctx, request{
		op:      "send message",
		method:  http.MethodPost,
		path:    "/chat/rooms/messages",
		token:   token,
		payload: sendPayload{Content: content, RoomID: roomID},
	}, nil)
}

func (c *Client) Pin(ctx context.Context, messageID int64, token string) error {
	return c.do(ctx, request{
		op:     "pin message",
		method: http.MethodPost,
		path:   idPath("/chat/messages/%s/pin", messageID),
		token:  token,
	}, nil)
}

func (c *Client) Unpin(ctx context.Context, messageID int64, token string) error {
	return c.do(ctx, request{
		op:     "unpin message",
		method: http.MethodDelete,
		path:   idPath("/chat/messages/%s/pin", messageID),
		token:  token,
	}, nil)
}

func (c *Client) Delete(ctx context.Context, messageID int64, token string) error {
	return c.do(ctx, request{
		op:     "delete message",
		method: http.MethodDelete,
		path:   idPath("/chat/messages/%s", messageID),
		token:  token,
	}, nil)
}
