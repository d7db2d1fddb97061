package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"modchat/internal/api"
)

const testTimeout = 2 * time.Second

type serverConn struct {
	ws       *websocket.Conn
	socketID string
	writeMu  sync.Mutex
	frames   chan frame
	closed   chan struct{}
}

func (c *serverConn) write(event, channel, data string) error {
	encoded, _ := json.Marshal(data)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame{Event: event, Channel: channel, Data: encoded})
}

func (c *serverConn) push(t *testing.T, event, channel, data string) {
	t.Helper()
	if err := c.write(event, channel, data); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

func (c *serverConn) expectFrame(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (c *serverConn) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for connection close")
	}
}

type fakeService struct {
	upgrader websocket.Upgrader
	members  map[string]string
	reject   atomic.Bool
	drop     atomic.Bool

	mu    sync.Mutex
	conns []*serverConn
	next  int
	ready chan *serverConn
}

func newFakeService(t *testing.T) (*fakeService, Config) {
	t.Helper()
	svc := &fakeService{
		members: map[string]string{"1": `{"role":"manager"}`, "2": `{"role":"viewer"}`},
		ready:   make(chan *serverConn, 8),
	}
	server := httptest.NewServer(http.HandlerFunc(svc.serve))
	t.Cleanup(server.Close)
	return svc, Config{Key: "app-key", Host: server.URL}
}

func (s *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/app/app-key" || r.URL.Query().Get("protocol") != protocolVersion {
		http.Error(w, "bad path", http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.next++
	conn := &serverConn{
		ws:       ws,
		socketID: fmt.Sprintf("%d.%d", s.next, s.next*10),
		frames:   make(chan frame, 32),
		closed:   make(chan struct{}),
	}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	established := fmt.Sprintf(`{"socket_id":%q,"activity_timeout":120}`, conn.socketID)
	if err := conn.write(eventConnectionEstablished, "", established); err != nil {
		return
	}
	s.ready <- conn

	defer close(conn.closed)
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == eventSubscribe {
			s.subscribe(conn, f)
		}
		conn.frames <- f
	}
}

func (s *fakeService) subscribe(conn *serverConn, f frame) {
	var data subscribeData
	_ = json.Unmarshal(f.Data, &data)
	if s.drop.Load() {
		_ = conn.ws.Close()
		return
	}
	if s.reject.Load() || data.Auth != expectedAuth(conn.socketID, data.Channel) {
		_ = conn.write(eventSubscriptionError, data.Channel, `{"type":"AuthError","status":403}`)
		return
	}
	ids := make([]string, 0, len(s.members))
	hash := make(map[string]json.RawMessage, len(s.members))
	for id, info := range s.members {
		ids = append(ids, id)
		hash[id] = json.RawMessage(info)
	}
	var presence presenceData
	presence.Presence.Hash = hash
	presence.Presence.Count = len(ids)
	encoded, _ := json.Marshal(presence)
	_ = conn.write(internalSubscriptionSucceeded, data.Channel, string(encoded))
}

func (s *fakeService) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeService) nextConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case conn := <-s.ready:
		return conn
	case <-time.After(testTimeout):
		t.Fatalf("no connection")
	}
	return nil
}

func expectedAuth(socketID, channel string) string {
	return "app-key:" + socketID + ":" + channel
}

type fakeAuthorizer struct {
	err error
}

func (a *fakeAuthorizer) AuthorizeChannel(_ context.Context, socketID, channel, token string) (*api.ChannelAuth, error) {
	if a.err != nil {
		return nil, a.err
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return &api.ChannelAuth{Auth: expectedAuth(socketID, channel), ChannelData: `{"user_id":"1"}`}, nil
}

type recorder struct {
	events  chan string
	members chan int
	added   chan Member
	removed chan Member
	errs    chan error
}

func newRecorder() *recorder {
	return &recorder{
		events:  make(chan string, 16),
		members: make(chan int, 4),
		added:   make(chan Member, 4),
		removed: make(chan Member, 4),
		errs:    make(chan error, 4),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChatEvent: func(event string, data json.RawMessage) {
			r.events <- event + " " + string(data)
		},
		OnMembers:       func(m map[string]json.RawMessage) { r.members <- len(m) },
		OnMemberAdded:   func(m Member) { r.added <- m },
		OnMemberRemoved: func(m Member) { r.removed <- m },
		OnError:         func(err error) { r.errs <- err },
	}
}

func TestOpenSubscribesAndDispatches(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	rec := newRecorder()

	sub, err := binder.Open(context.Background(), 3, "tok", rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sub.Channel() != "presence-room-3" {
		t.Fatalf("unexpected channel %q", sub.Channel())
	}
	select {
	case n := <-rec.members:
		if n != 2 {
			t.Fatalf("expected 2 members, got %d", n)
		}
	default:
		t.Fatalf("expected member list before Open returned")
	}

	conn := svc.nextConn(t)
	conn.push(t, "new-message", "presence-room-3", `{"message":{"id":1,"content":"hi"}}`)
	select {
	case got := <-rec.events:
		if got != `new-message {"message":{"id":1,"content":"hi"}}` {
			t.Fatalf("unexpected event %q", got)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no chat event")
	}

	conn.push(t, internalMemberAdded, "presence-room-3", `{"user_id":7,"user_info":{"role":"viewer"}}`)
	select {
	case m := <-rec.added:
		if m.ID != "7" {
			t.Fatalf("unexpected member %+v", m)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no member_added")
	}
	conn.push(t, internalMemberRemoved, "presence-room-3", `{"user_id":"7"}`)
	select {
	case m := <-rec.removed:
		if m.ID != "7" {
			t.Fatalf("unexpected member %+v", m)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no member_removed")
	}
}

func TestOpenSameRoomReusesSubscription(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	before, after := newRecorder(), newRecorder()

	first, err := binder.Open(context.Background(), 3, "tok", before.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := svc.nextConn(t)
	conn.push(t, internalMemberAdded, "presence-room-3", `{"user_id":9}`)
	select {
	case <-before.added:
	case <-time.After(testTimeout):
		t.Fatalf("no member_added")
	}

	second, err := binder.Open(context.Background(), 3, "tok", after.handlers())
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same subscription")
	}
	if got := svc.connections(); got != 1 {
		t.Fatalf("expected one connection, got %d", got)
	}
	select {
	case n := <-after.members:
		if n != 3 {
			t.Fatalf("expected the 3 current members to be replayed, got %d", n)
		}
	default:
		t.Fatalf("new handlers did not receive the member list")
	}

	conn.push(t, "message-deleted", "presence-room-3", `{"messageId":5}`)
	select {
	case <-after.events:
	case <-time.After(testTimeout):
		t.Fatalf("event not delivered to the new handlers")
	}
	select {
	case got := <-before.events:
		t.Fatalf("replaced handlers still receive events: %q", got)
	default:
	}
}

func TestCancelledOpenLeavesLiveSubscription(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	live := newRecorder()

	sub, err := binder.Open(context.Background(), 4, "tok", live.handlers())
	if err != nil {
		t.Fatalf("Open room 4: %v", err)
	}
	conn := svc.nextConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := binder.Open(ctx, 3, "tok", Handlers{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !sub.alive() {
		t.Fatalf("cancelled open tore down the room 4 subscription")
	}
	if got := svc.connections(); got != 1 {
		t.Fatalf("cancelled open dialed, got %d connections", got)
	}
	conn.push(t, "new-message", "presence-room-4", `{"message":{"id":2,"content":"still here"}}`)
	select {
	case <-live.events:
	case <-time.After(testTimeout):
		t.Fatalf("room 4 stopped receiving events")
	}
	select {
	case err := <-live.errs:
		t.Fatalf("unexpected connection error: %v", err)
	default:
	}
}

func TestConnectionLostDuringSubscribeIsReported(t *testing.T) {
	svc, cfg := newFakeService(t)
	svc.drop.Store(true)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	rec := newRecorder()

	if _, err := binder.Open(context.Background(), 3, "tok", rec.handlers()); err == nil {
		t.Fatalf("expected Open to fail when the connection drops")
	}
	select {
	case <-rec.errs:
	case <-time.After(testTimeout):
		t.Fatalf("connection loss during subscribe was not reported")
	}
}

func TestOpenOtherRoomTearsDownPrevious(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	old := newRecorder()

	if _, err := binder.Open(context.Background(), 3, "tok", old.handlers()); err != nil {
		t.Fatalf("Open room 3: %v", err)
	}
	oldConn := svc.nextConn(t)

	if _, err := binder.Open(context.Background(), 4, "tok", Handlers{}); err != nil {
		t.Fatalf("Open room 4: %v", err)
	}
	f := oldConn.expectFrame(t, eventUnsubscribe)
	var data subscribeData
	_ = json.Unmarshal(f.Data, &data)
	if data.Channel != "presence-room-3" {
		t.Fatalf("unexpected unsubscribe %+v", data)
	}
	oldConn.expectClosed(t)

	newConn := svc.nextConn(t)
	sub := newConn.expectFrame(t, eventSubscribe)
	_ = json.Unmarshal(sub.Data, &data)
	if data.Channel != "presence-room-4" {
		t.Fatalf("unexpected subscribe %+v", data)
	}
	select {
	case err := <-old.errs:
		t.Fatalf("teardown must not report an error, got %v", err)
	default:
	}
}

func TestOpenAuthorizationFailure(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{err: errors.New("403")}, zerolog.Nop())

	_, err := binder.Open(context.Background(), 3, "tok", Handlers{})
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	svc.nextConn(t).expectClosed(t)
}

func TestOpenSubscriptionRejected(t *testing.T) {
	svc, cfg := newFakeService(t)
	svc.reject.Store(true)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())

	_, err := binder.Open(context.Background(), 3, "tok", Handlers{})
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("expected ErrSubscription, got %v", err)
	}
}

func TestOpenCancelled(t *testing.T) {
	_, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := binder.Open(ctx, 3, "tok", Handlers{}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestCloseIsSafe(t *testing.T) {
	_, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	binder.Close()

	sub, err := binder.Open(context.Background(), 3, "tok", Handlers{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	binder.Close()
	binder.Close()
	sub.Close()

	var nilSub *Subscription
	nilSub.Close()
}

func TestPingIsAnswered(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	if _, err := binder.Open(context.Background(), 3, "tok", Handlers{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := svc.nextConn(t)
	conn.push(t, eventPing, "", "{}")
	conn.expectFrame(t, eventPong)
}

func TestConnectionLossIsReported(t *testing.T) {
	svc, cfg := newFakeService(t)
	binder := NewBinder(cfg, &fakeAuthorizer{}, zerolog.Nop())
	t.Cleanup(binder.Close)
	rec := newRecorder()
	sub, err := binder.Open(context.Background(), 3, "tok", rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = svc.nextConn(t).ws.Close()

	select {
	case err := <-rec.errs:
		if err == nil {
			t.Fatalf("expected an error")
		}
	case <-time.After(testTimeout):
		t.Fatalf("connection loss not reported")
	}
	select {
	case <-sub.Done():
	case <-time.After(testTimeout):
		t.Fatalf("subscription not marked done")
	}
}

func TestConfigURL(t *testing.T) {
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{Key: "k", Cluster: "sa1"}, "wss://ws-sa1.pusher.com/app/k?"},
		{Config{Key: "k", Host: "ws://127.0.0.1:6001"}, "ws://127.0.0.1:6001/app/k?"},
		{Config{Key: "k", Host: "https://rt.example"}, "wss://rt.example/app/k?"},
		{Config{Key: "k", Host: "rt.example:443"}, "wss://rt.example:443/app/k?"},
	}
	for _, tc := range cases {
		got, err := tc.cfg.URL()
		if err != nil {
			t.Fatalf("URL(%+v): %v", tc.cfg, err)
		}
		if !strings.HasPrefix(got, tc.want) || !strings.Contains(got, "protocol=7") {
			t.Fatalf("URL(%+v) = %q", tc.cfg, got)
		}
	}
	if _, err := (Config{Cluster: "sa1"}).URL(); err == nil {
		t.Fatalf("expected error without key")
	}
	if _, err := (Config{Key: "k"}).URL(); err == nil {
		t.Fatalf("expected error without cluster or host")
	}
}

func TestFramePayload(t *testing.T) {
	cases := map[string]string{
		`"{\"id\":1}"`: `{"id":1}`,
		`{"id":1}`:     `{"id":1}`,
		`"plain"`:      `"plain"`,
	}
	for in, want := range cases {
		got := frame{Data: json.RawMessage(in)}.payload()
		if string(got) != want {
			t.Fatalf("payload(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestActivityTimeoutUsesSmallerValue(t *testing.T) {
	cfg := Config{ActivityTimeout: 30 * time.Second}
	if got := cfg.activityTimeout(120); got != 30*time.Second {
		t.Fatalf("expected client cap, got %s", got)
	}
	if got := cfg.activityTimeout(10); got != 10*time.Second {
		t.Fatalf("expected server value, got %s", got)
	}
	if got := (Config{}).activityTimeout(0); got != defaultActivityTimeout {
		t.Fatalf("expected default, got %s", got)
	}
}
