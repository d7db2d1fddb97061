package api

import (
	"context"
	"net/http"

	"modchat/internal/chat"
)

// GetRoom loads the room being moderated, for display only.
func (c *Client) GetRoom(ctx context.Context, roomID int64, token string) (*chat.Room, error) {
	var room chat.Room
	err := c.do(ctx, request{
		op:     "load room",
		method: http.MethodGet,
		path:   idPath("/rooms/%s", roomID),
		token:  token,
	}, &room)
	if err != nil {
		return nil, err
	}
	return &room, nil
}
