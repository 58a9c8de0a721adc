package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/capture"
	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/playback"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/dkeye/voiceroom/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is what the room needs from the session manager.
type Transport interface {
	Connect(ctx context.Context, address string, identity domain.Identity) error
	Send(e protocol.Envelope) error
	OnEnvelope(h func(protocol.Envelope))
	OnStateChange(h func(session.State))
	Close() error
}

type Options struct {
	Address  string
	Identity domain.Identity
	Talk     bool
	Capture  capture.Options
	Playback playback.Options
	Clock    core.Clock
}

// Status is the UI-facing view of the room.
type Status struct {
	Identity  string   `json:"identity"`
	Connected bool     `json:"connected"`
	Headcount int      `json:"headcount"`
	Members   []string `json:"members"`
	Speakers  []string `json:"speakers"`
	Capturing bool     `json:"capturing"`
}

// Room wires capture to the session and the session to playback.
// The two pipelines never see each other.
type Room struct {
	opts      Options
	transport Transport
	capture   *capture.Pipeline
	playback  *playback.Pipeline
	log       zerolog.Logger
	warnings  *windowLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	roster    domain.Roster
	connected bool

	leaveOnce sync.Once
}

func NewRoom(opts Options, t Transport, mic core.CaptureDevice, out core.PlaybackDevice) *Room {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	r := &Room{
		opts:      opts,
		transport: t,
		log:       log.With().Str("module", "app").Str("identity", opts.Identity.String()).Logger(),
		warnings:  newWindowLimiter(opts.Clock, 5, 10*time.Second),
	}
	r.capture = capture.NewPipeline(mic, opts.Capture, r.sendAudio)
	r.playback = playback.NewPipeline(out, opts.Playback)
	return r
}

// Join connects to the relay. Audio starts flowing in as soon as the session opens;
// outbound audio starts only if Talk is set or capture is started later.
func (r *Room) Join(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.transport.OnEnvelope(r.handleEnvelope)
	r.transport.OnStateChange(r.handleState)
	if err := r.transport.Connect(r.ctx, r.opts.Address, r.opts.Identity); err != nil {
		return err
	}
	r.log.Info().Str("addr", r.opts.Address).Msg("joining room")

	if r.opts.Talk {
		if err := r.capture.Start(r.ctx); err != nil {
			r.log.Error().Err(err).Msg("capture not started")
			return err
		}
	}
	return nil
}

func (r *Room) handleEnvelope(e protocol.Envelope) {
	switch m := e.(type) {
	case protocol.Users:
		r.mu.Lock()
		r.roster = domain.Roster{Headcount: m.Count, Members: append([]string(nil), m.Members...)}
		r.mu.Unlock()
		r.log.Info().Int("count", m.Count).Strs("members", m.Members).Msg("room update")
	case protocol.Audio:
		err := r.playback.PlayFrame(r.ctx, m.Sender, m.Payload)
		if err != nil && !errors.Is(err, domain.ErrDecode) && r.warnings.Allow("playback:"+m.Sender) {
			r.log.Error().Err(err).Str("sender", m.Sender).Msg("playback failed")
		}
	case protocol.Join:
		r.log.Debug().Str("sender", m.Sender).Msg("ignoring join from relay")
	}
}

func (r *Room) handleState(st session.State) {
	r.mu.Lock()
	r.connected = st == session.Open
	r.mu.Unlock()
	r.log.Info().Str("state", st.String()).Msg("session state")
}

func (r *Room) sendAudio(payload string) {
	err := r.transport.Send(protocol.Audio{Sender: r.opts.Identity.String(), Payload: payload})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotOpen):
		r.log.Debug().Msg("frame dropped, session not open")
	case errors.Is(err, session.ErrBackpressure):
		if r.warnings.Allow("backpressure") {
			r.log.Warn().Msg("frame dropped, send buffer full")
		}
	default:
		if r.warnings.Allow("send") {
			r.log.Error().Err(err).Msg("send audio")
		}
	}
}

func (r *Room) Headcount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roster.Headcount
}

func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.roster.Members...)
}

func (r *Room) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Room) Speakers() []string { return r.playback.ActiveSpeakers() }

func (r *Room) IsCapturing() bool { return r.capture.IsCapturing() }

func (r *Room) Analysis() capture.Snapshot { return r.capture.Analysis() }

func (r *Room) StartCapture(ctx context.Context) error { return r.capture.Start(ctx) }

func (r *Room) StopCapture() error { return r.capture.Stop() }

func (r *Room) ToggleCapture(ctx context.Context) (bool, error) {
	return r.capture.Toggle(ctx)
}

func (r *Room) Status() Status {
	r.mu.RLock()
	st := Status{
		Identity:  r.opts.Identity.String(),
		Connected: r.connected,
		Headcount: r.roster.Headcount,
		Members:   append([]string{}, r.roster.Members...),
	}
	r.mu.RUnlock()
	st.Speakers = r.playback.ActiveSpeakers()
	st.Capturing = r.capture.IsCapturing()
	return st
}

// Leave stops capture, closes the session with a normal closure and releases playback.
func (r *Room) Leave() error {
	var err error
	r.leaveOnce.Do(func() {
		err = errors.Join(r.capture.Stop(), r.transport.Close(), r.playback.Close())
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()
		r.log.Info().Msg("left room")
	})
	return err
}
