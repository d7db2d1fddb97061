package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"modchat/internal/logging"
)

const writeWait = 10 * time.Second

// Conn is one websocket connection to the realtime service. Channel events
// are dispatched sequentially from a single read goroutine.
type Conn struct {
	ws       *websocket.Conn
	socketID string
	cfg      Config
	activity time.Duration
	log      zerolog.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	channels map[string]*Channel
	onError  func(error)

	lastRead  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the realtime service and waits for the connection to be
// established. Cancelling ctx aborts the handshake.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Conn, error) {
	endpoint, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	// Unblock the handshake read if ctx ends first.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()
	established, err := readEstablished(ws)
	close(stop)
	if err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	c := &Conn{
		ws:       ws,
		socketID: established.SocketID,
		cfg:      cfg,
		activity: cfg.activityTimeout(established.ActivityTimeout),
		log:      logger.With().Str(logging.FieldSocketID, established.SocketID).Logger(),
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
	c.touch()
	c.log.Debug().Dur("activity_timeout", c.activity).Msg("realtime connection established")
	go c.readLoop()
	go c.keepalive()
	return c, nil
}

func readEstablished(ws *websocket.Conn) (connectionEstablished, error) {
	var established connectionEstablished
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return established, fmt.Errorf("read handshake: %w", err)
		}
		switch f.Event {
		case eventConnectionEstablished:
			if err := json.Unmarshal(f.payload(), &established); err != nil {
				return established, fmt.Errorf("decode handshake: %w", err)
			}
			if established.SocketID == "" {
				return established, errors.New("handshake without socket id")
			}
			return established, nil
		case eventError:
			return established, decodeProtocolError(f.payload())
		}
	}
}

// SocketID identifies this connection when authorizing channels.
func (c *Conn) SocketID() string {
	return c.socketID
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil for a local disconnect.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// OnError registers a callback for failures after the connection is up.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Channel returns the named channel, creating it unsubscribed if needed.
// Bind handlers before calling Subscribe so no early event is missed.
func (c *Conn) Channel(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, c)
	c.channels[name] = ch
	return ch
}

// Subscribe sends the subscription request for ch and waits for the service
// to accept or reject it.
func (c *Conn) Subscribe(ctx context.Context, ch *Channel, auth, channelData string) error {
	ready := ch.pending()
	err := c.send(frame{Event: eventSubscribe}, subscribeData{Channel: ch.name, Auth: auth, ChannelData: channelData})
	if err != nil {
		return err
	}
	select {
	case err := <-ready:
		return err
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) unsubscribe(ch *Channel) error {
	c.mu.Lock()
	if c.channels[ch.name] == ch {
		delete(c.channels, ch.name)
	}
	c.mu.Unlock()
	return c.send(frame{Event: eventUnsubscribe}, subscribeData{Channel: ch.name})
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Conn) Disconnect() error {
	if c == nil {
		return nil
	}
	c.shutdown(nil)
	return nil
}

// shutdown closes the connection once. The error callback runs after the
// connection is fully closed so it may call Disconnect itself.
func (c *Conn) shutdown(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.err = cause
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
	if !first || cause == nil {
		return
	}
	c.log.Warn().Err(cause).Msg("realtime connection lost")
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

func (c *Conn) send(f frame, data interface{}) error {
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		f.Data = encoded
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

func (c *Conn) touch() {
	c.lastRead.Store(time.Now().UnixNano())
	_ = c.ws.SetReadDeadline(time.Now().Add(c.activity + c.cfg.pongTimeout()))
}

func (c *Conn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		c.touch()
		c.handle(f)
	}
}

func (c *Conn) handle(f frame) {
	switch f.Event {
	case eventPing:
		if err := c.send(frame{Event: eventPong}, struct{}{}); err != nil {
			c.log.Debug().Err(err).Msg("pong failed")
		}
		return
	case eventPong:
		return
	case eventError:
		err := decodeProtocolError(f.payload())
		c.log.Warn().Err(err).Msg("realtime service error")
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return
	}
	if f.Channel == "" {
		return
	}
	c.mu.Lock()
	ch := c.channels[f.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug().Str(logging.FieldChannel, f.Channel).Str(logging.FieldEvent, f.Event).Msg("event for unknown channel")
		return
	}
	ch.handle(f.Event, f.payload())
}

// keepalive pings the service when nothing was received for the activity
// timeout. The read deadline closes the connection if the pong never comes.
func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.activity / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastRead.Load()))
			if idle < c.activity {
				continue
			}
			if err := c.send(frame{Event: eventPing}, struct{}{}); err != nil {
				return
			}
		}
	}
}

func decodeProtocolError(raw json.RawMessage) error {
	var perr ProtocolError
	if err := json.Unmarshal(raw, &perr); err != nil || perr.Message == "" {
		return &ProtocolError{Message: string(raw)}
	}
	return &perr
}
