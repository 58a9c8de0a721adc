package device

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/protocol"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrDeviceClosed = errors.New("device closed")

// ClockedSink is a playback device without hardware: a ticker drains the mixer in
// real time and hands each block to write.
type ClockedSink struct {
	mixer  *Mixer
	rate   int
	block  int
	write  func([]float32) error
	finish func() error
	log    zerolog.Logger

	mu    sync.Mutex
	state core.DeviceState
	stop  chan struct{}
	done  chan struct{}
}

func newClockedSink(kind string, rate, block int, write func([]float32) error, finish func() error) *ClockedSink {
	return &ClockedSink{
		mixer:  NewMixer(2 * rate),
		rate:   rate,
		block:  block,
		write:  write,
		finish: finish,
		log:    log.With().Str("module", "device").Str("sink", kind).Str("device_id", uuid.NewString()).Logger(),
		state:  core.DeviceSuspended,
	}
}

// NewDiscardSink plays into nothing. Used when no audio backend is available.
func NewDiscardSink(rate, block int) *ClockedSink {
	return newClockedSink("discard", rate, block, func([]float32) error { return nil }, func() error { return nil })
}

// NewWAVRecorder writes the mixed output to a mono 16-bit WAV file.
func NewWAVRecorder(path string, rate, block int) (*ClockedSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	format := &goaudio.Format{SampleRate: rate, NumChannels: 1}

	write := func(samples []float32) error {
		pcm := protocol.FloatToPCM(samples)
		buf := &goaudio.IntBuffer{
			Format:         format,
			Data:           make([]int, len(pcm)),
			SourceBitDepth: 16,
		}
		for i, s := range pcm {
			buf.Data[i] = int(s)
		}
		return enc.Write(buf)
	}
	finish := func() error {
		if err := enc.Close(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	s := newClockedSink("wav", rate, block, write, finish)
	s.log.Info().Str("path", path).Int("rate", rate).Msg("recording playback")
	return s, nil
}

func (s *ClockedSink) SampleRate() int { return s.rate }

func (s *ClockedSink) State() core.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ClockedSink) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case core.DeviceClosed:
		return ErrDeviceClosed
	case core.DeviceRunning:
		return nil
	}
	s.state = core.DeviceRunning
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.drain(s.stop, s.done)
	return nil
}

func (s *ClockedSink) drain(stop, done chan struct{}) {
	defer close(done)
	period := time.Duration(s.block) * time.Second / time.Duration(s.rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	buf := make([]float32, s.block)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mixer.Mix(buf)
			if err := s.write(buf); err != nil {
				s.log.Error().Err(err).Msg("sink write failed")
			}
		}
	}
}

func (s *ClockedSink) Schedule(voice string, samples []float32) error {
	if s.State() == core.DeviceClosed {
		return ErrDeviceClosed
	}
	if dropped := s.mixer.Schedule(voice, samples); dropped > 0 {
		s.log.Debug().Str("sender", voice).Int("dropped", dropped).Msg("voice queue trimmed")
	}
	return nil
}

// Queued reports samples still waiting for voice.
func (s *ClockedSink) Queued(voice string) int {
	return s.mixer.Queued(voice)
}

func (s *ClockedSink) Close() error {
	s.mu.Lock()
	if s.state == core.DeviceClosed {
		s.mu.Unlock()
		return nil
	}
	running := s.state == core.DeviceRunning
	s.state = core.DeviceClosed
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if running {
		close(stop)
		<-done
	}
	return s.finish()
}
