package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// RoomUser is one row of a room's attendance list.
type RoomUser struct {
	UserID     int64  `json:"userId"`
	UserName   string `json:"userName"`
	TimeInRoom string `json:"timeInRoom"`
	IsActive   bool   `json:"isActive"`
}

// RoomUsersPage is a page of the attendance list.
type RoomUsersPage struct {
	Data       []RoomUser `json:"data"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}

// RoomUsers lists the users that joined a room, optionally filtered by name.
func (c *Client) RoomUsers(ctx context.Context, roomID int64, token string, page, limit int, search string) (*RoomUsersPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if search != "" {
		query.Set("search", search)
	}
	var out RoomUsersPage
	err := c.do(ctx, request{
		op:     "load users",
		method: http.MethodGet,
		path:   idPath("/metrics/room/%s/users", roomID) + "?" + query.Encode(),
		token:  token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportRoomUsers asks the backend to build the attendance report and returns
// the download URL.
func (c *Client) ExportRoomUsers(ctx context.Context, roomID int64, token string) (string, error) {
	var link string
	err := c.do(ctx, request{
		op:     "generate report",
		method: http.MethodGet,
		path:   idPath("/metrics/room/%s/users/export", roomID),
		token:  token,
		accept: "*/*",
	}, &link)
	return link, err
}
