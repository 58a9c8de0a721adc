// Package session keeps one live connection to the relay, announces the local
// identity on every open and redials after abnormal closures.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotOpen        = errors.New("session not open")
	ErrBackpressure   = errors.New("backpressure")
	ErrAlreadyStarted = errors.New("session manager already started")
)

const (
	closeReason = "client leaving"
	sendBuffer  = 32
)

type Options struct {
	ReconnectDelay time.Duration
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	Dialer         Dialer
	Clock          core.Clock
}

func (o *Options) withDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WSDialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Clock == nil {
		o.Clock = core.SystemClock{}
	}
}

// Session is one connection attempt.
type Session struct {
	ID       string
	Identity domain.Identity
	Attempt  int

	state State
	conn  core.SignalConn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *Session) stop() {
	s.once.Do(func() { close(s.done) })
}

// Manager owns at most one live Session and the reconnect timer.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	address    string
	identity   domain.Identity
	cur        *Session
	retries    int
	started    bool
	closed     bool
	timer      core.Timer
	onEnvelope func(protocol.Envelope)
	onState    func(State)

	// active counts pump goroutines; inHandler counts those currently inside a callback.
	active    int
	inHandler int
	settled   *sync.Cond
}

func NewManager(opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		opts: opts,
		log:  log.With().Str("module", "session").Logger(),
	}
	m.settled = sync.NewCond(&m.mu)
	return m
}

// OnEnvelope registers the single inbound handler. It runs on the read pump.
func (m *Manager) OnEnvelope(h func(protocol.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnvelope = h
}

func (m *Manager) OnStateChange(h func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = h
}

// Connect starts the first attempt and returns without waiting for it.
func (m *Manager) Connect(ctx context.Context, address string, identity domain.Identity) error {
	if identity == "" {
		return domain.ErrIdentityEmpty
	}
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.address = address
	m.identity = identity
	h := m.startLocked()
	m.mu.Unlock()

	notify(h, Connecting)
	return nil
}

// Send transmits e if the current session is open. Nothing is queued otherwise.
func (m *Manager) Send(e protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cur
	if s == nil || s.state != Open {
		return ErrNotOpen
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		if m.closed {
			return Closed
		}
		return Idle
	}
	return m.cur.state
}

// Retries is the number of consecutive abnormal closures since the last successful open.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Close shuts the live session with code 1000 and cancels any pending reconnect.
// Handlers are cleared; no envelope is dispatched after Close returns.
// It may be called from an OnEnvelope or OnStateChange handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.onEnvelope = nil
	h := m.onState
	m.onState = nil

	s := m.cur
	var conn core.SignalConn
	wasLive := s != nil && (s.state == Connecting || s.state == Open)
	if wasLive {
		s.state = Closing
		conn = s.conn
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if wasLive {
		notify(h, Closing)
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.WriteTimeout)); err != nil {
			m.log.Debug().Err(err).Str("sid", s.ID).Msg("close frame not sent")
		}
		_ = conn.Close()
	}
	if s != nil {
		s.stop()
	}
	m.wait()

	if wasLive {
		m.mu.Lock()
		s.state = Closed
		m.mu.Unlock()
		notify(h, Closed)
		m.log.Info().Str("sid", s.ID).Msg("session closed")
	}
	return nil
}

// wait blocks until every pump goroutine has exited or is parked in a callback.
// A goroutine inside a callback exits on its own once the callback returns.
func (m *Manager) wait() {
	m.mu.Lock()
	for m.active > m.inHandler {
		m.settled.Wait()
	}
	m.mu.Unlock()
}

// spawnLocked starts a pump goroutine. Must hold m.mu.
func (m *Manager) spawnLocked(f func()) {
	m.active++
	go func() {
		defer func() {
			m.mu.Lock()
			m.active--
			m.settled.Broadcast()
			m.mu.Unlock()
		}()
		f()
	}()
}

// callback runs a user handler from a pump goroutine.
func (m *Manager) callback(f func()) {
	m.mu.Lock()
	m.inHandler++
	m.settled.Broadcast()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inHandler--
		m.settled.Broadcast()
		m.mu.Unlock()
	}()
	f()
}

func notify(h func(State), st State) {
	if h != nil {
		h(st)
	}
}

// startLocked creates a new Session in Connecting and dials it in the background.
func (m *Manager) startLocked() func(State) {
	s := &Session{
		ID:       uuid.NewString(),
		Identity: m.identity,
		Attempt:  m.retries,
		state:    Connecting,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	m.cur = s
	ctx := m.ctx
	m.spawnLocked(func() { m.dial(ctx, s) })
	m.log.Info().Str("sid", s.ID).Str("addr", m.address).Int("retry", s.Attempt).Msg("connecting")
	return m.onState
}

func (m *Manager) dial(ctx context.Context, s *Session) {
	conn, err := m.opts.Dialer.Dial(ctx, m.address)

	m.mu.Lock()
	if m.closed || m.cur != s {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("sid", s.ID).Msg("dial failed")
		m.handleClosure(s, err)
		return
	}
	s.conn = conn
	m.mu.Unlock()

	pongWait := m.opts.PingPeriod * 10 / 9
	conn.SetReadLimit(m.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// join goes out before the write pump exists, so nothing can overtake it
	join, err := protocol.Encode(protocol.Join{Sender: s.Identity.String()})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, join)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("sid", s.ID).Msg("join failed")
		_ = conn.Close()
		m.handleClosure(s, err)
		return
	}

	m.mu.Lock()
	if m.closed || m.cur != s {
		m.mu.Unlock()
		return
	}
	s.state = Open
	m.retries = 0
	h := m.onState
	m.spawnLocked(func() { m.writePump(s) })
	m.spawnLocked(func() { m.readPump(s) })
	m.spawnLocked(func() { m.watchContext(ctx, s) })
	m.mu.Unlock()

	m.log.Info().Str("sid", s.ID).Str("identity", s.Identity.String()).Msg("session open")
	m.callback(func() { notify(h, Open) })
}

// watchContext closes an open session normally when the Connect context ends.
func (m *Manager) watchContext(ctx context.Context, s *Session) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
	}

	m.mu.Lock()
	live := !m.closed && m.cur == s && s.state == Open
	m.mu.Unlock()
	if !live {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.WriteTimeout)); err != nil {
		m.log.Debug().Err(err).Str("sid", s.ID).Msg("close frame not sent")
	}
	_ = s.conn.Close()
	m.log.Info().Str("sid", s.ID).Msg("context done, session closing")
}

func (m *Manager) writePump(s *Session) {
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
				m.log.Error().Err(err).Str("sid", s.ID).Msg("writePump set deadline")
				_ = s.conn.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.log.Error().Err(err).Str("sid", s.ID).Msg("writePump write error")
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				m.log.Error().Err(err).Str("sid", s.ID).Msg("writePump ping error")
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (m *Manager) readPump(s *Session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			m.handleClosure(s, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn().Err(err).Str("sid", s.ID).Msg("dropping inbound message")
			continue
		}
		m.mu.Lock()
		h := m.onEnvelope
		m.mu.Unlock()
		if h != nil {
			m.callback(func() { h(env) })
		}
	}
}

// handleClosure ends s and, unless the relay closed it normally, schedules exactly one redial.
func (m *Manager) handleClosure(s *Session, cause error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(cause, &ce) {
		code = ce.Code
	}

	m.mu.Lock()
	if m.closed || m.cur != s || s.state == Closed {
		m.mu.Unlock()
		return
	}
	s.state = Closed
	s.stop()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	h := m.onState

	terminal := code == websocket.CloseNormalClosure || m.ctx.Err() != nil
	if !terminal {
		m.retries++
		m.timer = m.opts.Clock.AfterFunc(m.opts.ReconnectDelay, func() { m.reconnect(s) })
	}
	retries := m.retries
	m.mu.Unlock()

	if terminal {
		m.log.Info().Str("sid", s.ID).Int("code", code).Msg("session ended")
	} else {
		m.log.Warn().Err(domain.ErrConnectionLost).Str("sid", s.ID).Int("code", code).
			Int("retry", retries).Dur("delay", m.opts.ReconnectDelay).Msg("reconnect scheduled")
	}
	m.callback(func() { notify(h, Closed) })
}

func (m *Manager) reconnect(prev *Session) {
	m.mu.Lock()
	if m.closed || m.cur != prev {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	h := m.startLocked()
	m.mu.Unlock()
	notify(h, Connecting)
}
