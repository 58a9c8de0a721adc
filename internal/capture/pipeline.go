// Package capture turns a live microphone stream into fixed-size encoded frames.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SampleRate   int
	FrameSamples int
	FFTSize      int
	Constraints  core.Constraints
}

type run struct {
	stream core.CaptureStream
	stop   chan struct{}
	done   chan struct{}
}

// Pipeline owns the capture device while running.
// onAudioData is called from a single goroutine, in production order, and never after Stop returns.
type Pipeline struct {
	dev         core.CaptureDevice
	opts        Options
	onAudioData func(payload string)
	analyser    *Analyser
	log         zerolog.Logger

	mu  sync.Mutex
	cur *run
}

func NewPipeline(dev core.CaptureDevice, opts Options, onAudioData func(payload string)) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = 960
	}
	if opts.FFTSize <= 0 {
		opts.FFTSize = 256
	}
	opts.Constraints.SampleRate = opts.SampleRate
	return &Pipeline{
		dev:         dev,
		opts:        opts,
		onAudioData: onAudioData,
		analyser:    NewAnalyser(opts.FFTSize),
		log:         log.With().Str("module", "capture").Logger(),
	}
}

// Start acquires the device and begins framing. Calling it while capturing is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return nil
	}

	stream, err := p.dev.Acquire(ctx, p.opts.Constraints)
	if err != nil {
		p.log.Error().Err(err).Msg("capture device acquire failed")
		return fmt.Errorf("start capture: %w", err)
	}
	if rate := stream.SampleRate(); rate != p.opts.SampleRate {
		p.log.Warn().Int("device_rate", rate).Int("wire_rate", p.opts.SampleRate).Msg("capture rate mismatch")
	}

	r := &run{
		stream: stream,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.cur = r
	p.analyser.Reset()
	go p.loop(r)

	p.log.Info().Int("frame_samples", p.opts.FrameSamples).Int("rate", p.opts.SampleRate).Msg("capture started")
	return nil
}

func (p *Pipeline) loop(r *run) {
	defer close(r.done)

	framer := NewFramer(p.opts.FrameSamples)
	emit := func(f domain.Frame) {
		if p.onAudioData != nil {
			p.onAudioData(protocol.EncodePCM(f))
		}
	}
	blocks := r.stream.Blocks()
	for {
		select {
		case <-r.stop:
			return
		case block, ok := <-blocks:
			if !ok {
				p.ended(r)
				return
			}
			p.analyser.Write(block)
			framer.Push(block, emit)
		}
	}
}

// ended handles a stream that finished on its own.
func (p *Pipeline) ended(r *run) {
	p.mu.Lock()
	if p.cur == r {
		p.cur = nil
	}
	p.mu.Unlock()
	_ = r.stream.Close()
	p.log.Info().Msg("capture stream ended")
}

// Stop releases the device. Safe to call repeatedly.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	r := p.cur
	p.cur = nil
	p.mu.Unlock()
	if r == nil {
		return nil
	}

	close(r.stop)
	err := r.stream.Close()
	<-r.done
	p.log.Info().Msg("capture stopped")
	return err
}

func (p *Pipeline) IsCapturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

// Analysis is a pull-based view of the most recent input.
func (p *Pipeline) Analysis() Snapshot {
	return p.analyser.Snapshot()
}

// Toggle flips capture and reports the new state.
func (p *Pipeline) Toggle(ctx context.Context) (bool, error) {
	if p.IsCapturing() {
		return false, p.Stop()
	}
	if err := p.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}
