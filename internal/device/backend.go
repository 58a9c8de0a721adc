// Package device provides the capture and playback backends: portaudio hardware,
// WAV files, and a headless sink.
package device

import (
	"errors"
	"fmt"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	BackendPortAudio = "portaudio"
	BackendFile      = "file"
)

type Config struct {
	Backend     string
	SampleRate  int
	Block       int
	CaptureFile string
	RecordFile  string
	LoopCapture bool
}

// Open picks the capture device and playback sink for cfg.
// A binary without portaudio falls back to a discard sink for playback so the
// room still works receive-only; capture then fails at Start with ErrTransportUnsupported.
func Open(cfg Config) (core.CaptureDevice, core.PlaybackDevice, error) {
	var capture core.CaptureDevice
	switch cfg.Backend {
	case BackendPortAudio:
		capture = Microphone{Rate: cfg.SampleRate, Block: cfg.Block}
	case BackendFile:
		capture = FileCapture{Path: cfg.CaptureFile, Rate: cfg.SampleRate, Block: cfg.Block, Loop: cfg.LoopCapture}
	default:
		return nil, nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}

	if cfg.RecordFile != "" {
		rec, err := NewWAVRecorder(cfg.RecordFile, cfg.SampleRate, cfg.Block)
		if err != nil {
			return nil, nil, fmt.Errorf("open record file: %w", err)
		}
		return capture, rec, nil
	}

	if cfg.Backend == BackendPortAudio {
		sp, err := openSpeaker(cfg.SampleRate, cfg.Block)
		switch {
		case err == nil:
			return capture, sp, nil
		case errors.Is(err, domain.ErrTransportUnsupported):
			log.Warn().Str("module", "device").Err(err).Msg("no audio backend, playback discarded")
		default:
			return nil, nil, err
		}
	}
	return capture, NewDiscardSink(cfg.SampleRate, cfg.Block), nil
}
