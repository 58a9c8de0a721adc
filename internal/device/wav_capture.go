package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/protocol"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/oov/audio/resampler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const resampleQuality = 10

// FileCapture stands in for a microphone: it plays a WAV file in real time,
// downmixed to mono and resampled to the wire rate.
type FileCapture struct {
	Path  string
	Rate  int
	Block int
	Loop  bool
}

func (d FileCapture) Acquire(ctx context.Context, c core.Constraints) (core.CaptureStream, error) {
	id := uuid.NewString()
	logger := log.With().Str("module", "device").Str("device_id", id).Str("file", d.Path).Logger()

	if d.Path == "" {
		return nil, fmt.Errorf("%w: no capture file configured", domain.ErrDeviceUnavailable)
	}
	samples, srcRate, err := loadWAV(d.Path)
	if err != nil {
		logger.Error().Err(err).Msg("could not load capture file")
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	rate := d.Rate
	if c.SampleRate > 0 {
		rate = c.SampleRate
	}
	if srcRate != rate {
		samples = resample(samples, srcRate, rate)
	}
	logger.Info().Int("source_rate", srcRate).Int("rate", rate).Int("samples", len(samples)).
		Bool("loop", d.Loop).Msg("capture file loaded")

	s := &fileStream{
		pcm:    protocol.FloatToPCM(samples),
		rate:   rate,
		block:  d.Block,
		loop:   d.Loop,
		blocks: make(chan []int16, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    logger,
	}
	go s.run()
	return s, nil
}

type fileStream struct {
	pcm    []int16
	rate   int
	block  int
	loop   bool
	blocks chan []int16
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (s *fileStream) run() {
	defer close(s.done)
	defer close(s.blocks)
	if len(s.pcm) == 0 || s.block <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(s.block) * time.Second / time.Duration(s.rate))
	defer ticker.Stop()
	for {
		for start := 0; start < len(s.pcm); start += s.block {
			end := min(start+s.block, len(s.pcm))
			block := append([]int16(nil), s.pcm[start:end]...)
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
			select {
			case <-s.stop:
				return
			case s.blocks <- block:
			}
		}
		if !s.loop {
			s.log.Debug().Msg("capture file finished")
			return
		}
	}
}

func (s *fileStream) Blocks() <-chan []int16 { return s.blocks }
func (s *fileStream) SampleRate() int        { return s.rate }

func (s *fileStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// loadWAV decodes the whole file into mono float samples in [-1, 1].
func loadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	scale, err := pcmScale(depth)
	if err != nil {
		return nil, 0, err
	}

	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		out[i] = sum / float32(channels)
	}
	return out, buf.Format.SampleRate, nil
}

// pcmScale is the full-scale value of a signed sample of the given bit depth.
func pcmScale(depth int) (float32, error) {
	if depth <= 0 || depth > 32 {
		return 0, fmt.Errorf("unsupported bit depth %d", depth)
	}
	return float32(int64(1) << (depth - 1)), nil
}

func resample(in []float32, from, to int) []float32 {
	r := resampler.New(1, from, to, resampleQuality)
	const chunk = 4096
	buf := make([]float32, chunk*to/from+64)
	out := make([]float32, 0, len(in)*to/from+64)
	for len(in) > 0 {
		n := min(chunk, len(in))
		read, written := r.ProcessFloat32(0, in[:n], buf)
		out = append(out, buf[:written]...)
		if read == 0 && written == 0 {
			break
		}
		in = in[read:]
	}
	return out
}
