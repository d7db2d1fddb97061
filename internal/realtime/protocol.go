package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Protocol events exchanged with the realtime service.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionError     = "pusher:subscription_error"

	internalSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	internalMemberAdded           = "pusher_internal:member_added"
	internalMemberRemoved         = "pusher_internal:member_removed"
)

// Presence events as seen by channel handlers.
const (
	EventSubscriptionSucceeded = "pusher:subscription_succeeded"
	EventMemberAdded           = "pusher:member_added"
	EventMemberRemoved         = "pusher:member_removed"
)

const (
	protocolVersion = "7"
	clientName      = "modchat"
	clientVersion   = "1.0.0"

	defaultActivityTimeout = 120 * time.Second
	defaultPongTimeout     = 30 * time.Second
)

var (
	// ErrAuthorization is returned when the channel signature cannot be obtained.
	ErrAuthorization = errors.New("channel authorization failed")
	// ErrSubscription is returned when the service rejects a subscription.
	ErrSubscription = errors.New("channel subscription failed")
	// ErrClosed is returned for operations on a disconnected connection.
	ErrClosed = errors.New("realtime connection closed")
)

// Config describes how to reach the realtime service.
type Config struct {
	Key     string
	Cluster string
	// Host overrides ws-{cluster}.pusher.com. It may carry a scheme, as in
	// ws://127.0.0.1:6001.
	Host string
	// ActivityTimeout caps the idle time before the client pings.
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	// HandshakeTimeout bounds the websocket dial. Zero means no limit.
	HandshakeTimeout time.Duration
}

// URL builds the websocket endpoint for the configured application key.
func (c Config) URL() (string, error) {
	if c.Key == "" {
		return "", errors.New("realtime key is required")
	}
	scheme, host := "wss", c.Host
	if host == "" {
		if c.Cluster == "" {
			return "", errors.New("realtime cluster or host is required")
		}
		host = "ws-" + c.Cluster + ".pusher.com"
	}
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return "", err
		}
		switch parsed.Scheme {
		case "ws", "wss":
			scheme = parsed.Scheme
		case "http":
			scheme = "ws"
		case "https":
			scheme = "wss"
		default:
			return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
		}
		host = parsed.Host
	}
	query := url.Values{}
	query.Set("protocol", protocolVersion)
	query.Set("client", clientName)
	query.Set("version", clientVersion)
	query.Set("flash", "false")
	u := url.URL{Scheme: scheme, Host: host, Path: "/app/" + c.Key, RawQuery: query.Encode()}
	return u.String(), nil
}

func (c Config) activityTimeout(serverSeconds int) time.Duration {
	timeout := c.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	if serverSeconds > 0 {
		if server := time.Duration(serverSeconds) * time.Second; server < timeout {
			timeout = server
		}
	}
	return timeout
}

func (c Config) pongTimeout() time.Duration {
	if c.PongTimeout <= 0 {
		return defaultPongTimeout
	}
	return c.PongTimeout
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// payload returns the frame data with the service's string encoding removed:
// event data usually arrives as a JSON document serialized into a string.
func (f frame) payload() json.RawMessage {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || data[0] != '"' {
		return data
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return data
	}
	trimmed := strings.TrimSpace(inner)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return data
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// ProtocolError is an error frame sent by the realtime service.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return "realtime error: " + e.Message
	}
	return fmt.Sprintf("realtime error %d: %s", e.Code, e.Message)
}

type presenceData struct {
	Presence struct {
		IDs   []json.RawMessage          `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	} `json:"presence"`
}

// SubscriptionSucceeded is delivered to presence handlers when the
// subscription is accepted.
type SubscriptionSucceeded struct {
	Members map[string]json.RawMessage `json:"members"`
	Count   int                        `json:"count"`
}

// Member is a presence channel member as announced by add/remove events.
type Member struct {
	ID   string          `json:"id"`
	Info json.RawMessage `json:"info,omitempty"`
}

type memberData struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info"`
}

func decodeMember(raw json.RawMessage) (Member, error) {
	var data memberData
	if err := json.Unmarshal(raw, &data); err != nil {
		return Member{}, err
	}
	return Member{ID: memberID(data.UserID), Info: data.UserInfo}, nil
}

func decodeSubscription(raw json.RawMessage) (SubscriptionSucceeded, error) {
	var data presenceData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return SubscriptionSucceeded{}, err
		}
	}
	members := make(map[string]json.RawMessage, len(data.Presence.Hash))
	for id, info := range data.Presence.Hash {
		members[id] = info
	}
	for _, id := range data.Presence.IDs {
		key := memberID(id)
		if _, ok := members[key]; !ok && key != "" {
			members[key] = nil
		}
	}
	count := data.Presence.Count
	if count == 0 {
		count = len(members)
	}
	return SubscriptionSucceeded{Members: members, Count: count}, nil
}

// memberID accepts ids sent either as JSON strings or numbers.
func memberID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
