// Package playback renders inbound frames per sender and tracks who is talking.
package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SpeakerWindow time.Duration
	Clock         core.Clock
}

// Pipeline is the only writer of the playback device.
type Pipeline struct {
	dev      core.PlaybackDevice
	speakers *SpeakerTracker
	log      zerolog.Logger
}

func NewPipeline(dev core.PlaybackDevice, opts Options) *Pipeline {
	if opts.SpeakerWindow <= 0 {
		opts.SpeakerWindow = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Pipeline{
		dev:      dev,
		speakers: NewSpeakerTracker(opts.Clock, opts.SpeakerWindow),
		log:      log.With().Str("module", "playback").Logger(),
	}
}

// PlayFrame decodes payload and queues it behind sender's earlier frames.
// A corrupt payload returns an error wrapping domain.ErrDecode and leaves playback untouched.
func (p *Pipeline) PlayFrame(ctx context.Context, sender, payload string) error {
	pcm, err := protocol.DecodePCM(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("sender", sender).Msg("dropping frame")
		return fmt.Errorf("play frame from %s: %w", sender, err)
	}

	if p.dev.State() == core.DeviceSuspended {
		if err := p.dev.Resume(ctx); err != nil {
			return fmt.Errorf("resume playback: %w", err)
		}
		p.log.Info().Msg("playback resumed")
	}

	if err := p.dev.Schedule(sender, protocol.PCMToFloat(pcm)); err != nil {
		return fmt.Errorf("schedule frame from %s: %w", sender, err)
	}
	p.speakers.Refresh(sender)
	p.log.Debug().Str("sender", sender).Int("samples", len(pcm)).Msg("frame scheduled")
	return nil
}

func (p *Pipeline) ActiveSpeakers() []string {
	return p.speakers.Active()
}

func (p *Pipeline) OnSpeakersChange(h func([]string)) {
	p.speakers.OnChange(h)
}

func (p *Pipeline) Close() error {
	p.speakers.Close()
	return p.dev.Close()
}
