package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/gorilla/websocket"
)

type fakeRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- c
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("relay: no connection")
		return nil
	}
}

// expectJoin reads the first frame and checks it is the join for identity.
func expectJoin(t *testing.T, c *websocket.Conn, identity string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("relay decode %s: %v", data, err)
	}
	if want := (protocol.Join{Sender: identity}); env != want {
		t.Fatalf("first frame = %#v, want %#v", env, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestJoinHandshakeAndDispatch(t *testing.T) {
	relay := newFakeRelay(t)
	m := NewManager(Options{Clock: core.NewFakeClock(time.Unix(0, 0))})
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	inbound := make(chan protocol.Envelope, 8)
	m.OnEnvelope(func(e protocol.Envelope) { inbound <- e })

	if err := m.Connect(context.Background(), relay.url(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), relay.url(), "alice"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Connect error = %v", err)
	}

	c := relay.accept(t)
	expectJoin(t, c, "alice")
	waitFor(t, "open", func() bool { return len(rec.snapshot()) == 2 })
	if got := rec.snapshot(); got[0] != Connecting || got[1] != Open {
		t.Fatalf("states = %v", got)
	}

	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"users","count":3}`))
	_ = c.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","sender":"bob","payload":"AQA="}`))

	want := []protocol.Envelope{
		protocol.Users{Count: 3},
		protocol.Audio{Sender: "bob", Payload: "AQA="},
	}
	for _, w := range want {
		select {
		case got := <-inbound:
			if !reflect.DeepEqual(got, w) {
				t.Fatalf("got %#v, want %#v", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no envelope, want %#v", w)
		}
	}
	if m.State() != Open {
		t.Fatalf("state after malformed frame = %v, want open", m.State())
	}

	out := protocol.Audio{Sender: "alice", Payload: protocol.EncodePCM([]int16{5, 6})}
	if err := m.Send(out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if env, _ := protocol.Decode(data); env != out {
		t.Fatalf("relay got %s", data)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "client leaving" {
		t.Fatalf("relay read after Close = %v, want close 1000", err)
	}
	if m.State() != Closed {
		t.Fatalf("state = %v, want closed", m.State())
	}
	if err := m.Send(out); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send after Close = %v, want ErrNotOpen", err)
	}
}

func TestReconnectAfterAbnormalClosure(t *testing.T) {
	relay := newFakeRelay(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	m := NewManager(Options{Clock: clock, ReconnectDelay: 3 * time.Second})
	defer m.Close()

	if err := m.Connect(context.Background(), relay.url(), "alice"); err != nil {
		t.Fatal(err)
	}
	c1 := relay.accept(t)
	expectJoin(t, c1, "alice")
	waitFor(t, "open", func() bool { return m.State() == Open })

	// drop the socket without a close frame; the client sees 1006
	_ = c1.Close()
	waitFor(t, "reconnect timer", func() bool { return clock.Pending() == 1 })
	if m.State() != Closed {
		t.Fatalf("state = %v, want closed", m.State())
	}
	if m.Retries() != 1 {
		t.Fatalf("retries = %d, want 1", m.Retries())
	}

	clock.Advance(3*time.Second - time.Millisecond)
	select {
	case <-relay.conns:
		t.Fatal("redialed before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	c2 := relay.accept(t)
	expectJoin(t, c2, "alice")
	waitFor(t, "reopen", func() bool { return m.State() == Open })
	if m.Retries() != 0 {
		t.Fatalf("retries after open = %d, want 0", m.Retries())
	}
	if clock.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clock.Pending())
	}
}

func TestNormalClosureIsTerminal(t *testing.T) {
	relay := newFakeRelay(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	m := NewManager(Options{Clock: clock})
	defer m.Close()

	if err := m.Connect(context.Background(), relay.url(), "alice"); err != nil {
		t.Fatal(err)
	}
	c := relay.accept(t)
	expectJoin(t, c, "alice")
	waitFor(t, "open", func() bool { return m.State() == Open })

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	waitFor(t, "closed", func() bool { return m.State() == Closed })
	if clock.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clock.Pending())
	}
	clock.Advance(time.Minute)
	select {
	case <-relay.conns:
		t.Fatal("redialed after normal closure")
	case <-time.After(50 * time.Millisecond):
	}
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Dial(context.Context, string) (core.SignalConn, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestDialFailureRetriesUntilClose(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	d := &failingDialer{}
	m := NewManager(Options{Clock: clock, Dialer: d})

	if err := m.Connect(context.Background(), "ws://relay.invalid/", "alice"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first retry", func() bool { return clock.Pending() == 1 })

	clock.Advance(3 * time.Second)
	waitFor(t, "second retry", func() bool { return d.calls.Load() == 2 && clock.Pending() == 1 })
	if m.Retries() != 2 {
		t.Fatalf("retries = %d, want 2", m.Retries())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if clock.Pending() != 0 {
		t.Fatalf("pending timers after Close = %d, want 0", clock.Pending())
	}
	clock.Advance(time.Minute)
	if n := d.calls.Load(); n != 2 {
		t.Fatalf("dial calls = %d, want 2", n)
	}
}

type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _ string) (core.SignalConn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSendWhileNotOpen(t *testing.T) {
	m := NewManager(Options{Clock: core.NewFakeClock(time.Unix(0, 0)), Dialer: blockingDialer{}})
	msg := protocol.Audio{Sender: "alice", Payload: "AQA="}

	if err := m.Send(msg); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send while idle = %v, want ErrNotOpen", err)
	}
	if err := m.Connect(context.Background(), "ws://relay.invalid/", "alice"); err != nil {
		t.Fatal(err)
	}
	if m.State() != Connecting {
		t.Fatalf("state = %v, want connecting", m.State())
	}
	if err := m.Send(msg); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send while connecting = %v, want ErrNotOpen", err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Closed {
		t.Fatalf("state = %v, want closed", m.State())
	}
}

func TestConnectRejectsEmptyIdentity(t *testing.T) {
	m := NewManager(Options{})
	if err := m.Connect(context.Background(), "ws://relay.invalid/", ""); err == nil {
		t.Fatal("Connect with empty identity succeeded")
	}
}

func TestCloseFromHandler(t *testing.T) {
	tests := []struct {
		name    string
		install func(m *Manager, closed chan<- error)
	}{
		{
			name: "envelope",
			install: func(m *Manager, closed chan<- error) {
				m.OnEnvelope(func(protocol.Envelope) { closed <- m.Close() })
			},
		},
		{
			name: "state open",
			install: func(m *Manager, closed chan<- error) {
				m.OnStateChange(func(st State) {
					if st == Open {
						closed <- m.Close()
					}
				})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newFakeRelay(t)
			m := NewManager(Options{Clock: core.NewFakeClock(time.Unix(0, 0))})
			closed := make(chan error, 2)
			tt.install(m, closed)

			if err := m.Connect(context.Background(), relay.url(), "alice"); err != nil {
				t.Fatal(err)
			}
			c := relay.accept(t)
			expectJoin(t, c, "alice")
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"users","count":1}`))

			select {
			case err := <-closed:
				if err != nil {
					t.Fatalf("Close = %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Close called from a handler did not return")
			}
			if m.State() != Closed {
				t.Fatalf("state = %v, want closed", m.State())
			}
			_, _, err := c.ReadMessage()
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Fatalf("relay read after Close = %v, want close 1000", err)
			}
			if err := m.Close(); err != nil {
				t.Fatalf("second Close = %v", err)
			}
		})
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	relay := newFakeRelay(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	m := NewManager(Options{Clock: clock})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Connect(ctx, relay.url(), "alice"); err != nil {
		t.Fatal(err)
	}
	c := relay.accept(t)
	expectJoin(t, c, "alice")
	waitFor(t, "open", func() bool { return m.State() == Open })

	cancel()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "client leaving" {
		t.Fatalf("relay read after cancel = %v, want close 1000", err)
	}
	waitFor(t, "closed", func() bool { return m.State() == Closed })
	if clock.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clock.Pending())
	}
	if m.Retries() != 0 {
		t.Fatalf("retries = %d, want 0", m.Retries())
	}
}
