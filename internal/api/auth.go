package api

import (
	"context"
	"net/http"
	"net/url"
)

// ChannelAuth is the signature the realtime service expects when subscribing
// to a private or presence channel.
type ChannelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// AuthorizeChannel signs a subscription of socketID to channel on behalf of
// the token's user.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel, token string) (*ChannelAuth, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)
	var out ChannelAuth
	err := c.do(ctx, request{
		op:     "authorize channel",
		method: http.MethodPost,
		path:   "/chat/pusher/auth",
		token:  token,
		form:   form,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
