//go:build portaudio

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/gordonklaus/portaudio"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PortAudioAvailable reports whether this binary was built with an audio backend.
const PortAudioAvailable = true

// Microphone captures from the default input device.
type Microphone struct {
	Rate  int
	Block int
}

func (m Microphone) Acquire(_ context.Context, c core.Constraints) (core.CaptureStream, error) {
	logger := log.With().Str("module", "device").Str("device_id", uuid.NewString()).Logger()
	rate := m.Rate
	if c.SampleRate > 0 {
		rate = c.SampleRate
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initializing portaudio: %v", domain.ErrTransportUnsupported, err)
	}
	s := &micStream{
		rate:   rate,
		blocks: make(chan []int16, 16),
		log:    logger,
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), m.Block, s.process)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: opening input stream: %v", domain.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: starting input stream: %v", domain.ErrDeviceUnavailable, err)
	}

	// portaudio exposes no echo cancellation, noise suppression or gain control
	logger.Info().Int("rate", rate).
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Bool("auto_gain_control", c.AutoGainControl).
		Msg("microphone started")
	return s, nil
}

type micStream struct {
	stream *portaudio.Stream
	rate   int
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	blocks chan []int16
}

func (s *micStream) process(in []int16) {
	block := append([]int16(nil), in...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.blocks <- block:
	default:
		s.log.Warn().Int("samples", len(block)).Msg("capture consumer behind, block dropped")
	}
}

func (s *micStream) Blocks() <-chan []int16 { return s.blocks }
func (s *micStream) SampleRate() int        { return s.rate }

func (s *micStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.blocks)
	s.mu.Unlock()

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	s.log.Info().Msg("microphone stopped")
	return err
}

// Speaker plays the mixer through the default output device. It opens suspended.
type Speaker struct {
	mixer *Mixer
	rate  int
	block int
	log   zerolog.Logger

	mu     sync.Mutex
	state  core.DeviceState
	stream *portaudio.Stream
}

func NewSpeaker(rate, block int) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initializing portaudio: %v", domain.ErrTransportUnsupported, err)
	}
	sp := &Speaker{
		mixer: NewMixer(2 * rate),
		rate:  rate,
		block: block,
		log:   log.With().Str("module", "device").Str("device_id", uuid.NewString()).Logger(),
		state: core.DeviceSuspended,
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), block, sp.mixer.Mix)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: opening output stream: %v", domain.ErrDeviceUnavailable, err)
	}
	sp.stream = stream
	return sp, nil
}

func openSpeaker(rate, block int) (core.PlaybackDevice, error) {
	sp, err := NewSpeaker(rate, block)
	if err != nil {
		return nil, err
	}
	return sp, nil
}

func (s *Speaker) SampleRate() int { return s.rate }

func (s *Speaker) State() core.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Speaker) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case core.DeviceClosed:
		return ErrDeviceClosed
	case core.DeviceRunning:
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: starting output stream: %v", domain.ErrDeviceUnavailable, err)
	}
	s.state = core.DeviceRunning
	s.log.Info().Int("rate", s.rate).Msg("speaker started")
	return nil
}

func (s *Speaker) Schedule(voice string, samples []float32) error {
	if s.State() == core.DeviceClosed {
		return ErrDeviceClosed
	}
	s.mixer.Schedule(voice, samples)
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.DeviceClosed {
		return nil
	}
	var err error
	if s.state == core.DeviceRunning {
		err = s.stream.Stop()
	}
	s.state = core.DeviceClosed
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
