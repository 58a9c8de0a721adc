package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/protocol"
)

type fakeStream struct {
	blocks chan []int16
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{blocks: make(chan []int16, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Blocks() <-chan []int16 { return s.blocks }
func (s *fakeStream) SampleRate() int        { return 48000 }
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDevice struct {
	stream   *fakeStream
	err      error
	acquired int
	got      core.Constraints
}

func (d *fakeDevice) Acquire(_ context.Context, c core.Constraints) (core.CaptureStream, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.acquired++
	d.got = c
	d.stream = newFakeStream()
	return d.stream, nil
}

type payloads struct {
	mu   sync.Mutex
	list []string
}

func (p *payloads) add(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = append(p.list, s)
}

func (p *payloads) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.list)
}

func (p *payloads) at(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPipelineEmitsFramesInOrder(t *testing.T) {
	dev := &fakeDevice{}
	out := &payloads{}
	constraints := core.Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
	p := NewPipeline(dev, Options{FrameSamples: 4, Constraints: constraints}, out.add)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.IsCapturing() {
		t.Fatal("not capturing after Start")
	}
	if !dev.got.EchoCancellation || !dev.got.NoiseSuppression || !dev.got.AutoGainControl || dev.got.SampleRate != 48000 {
		t.Fatalf("constraints = %+v", dev.got)
	}
	if err := p.Start(context.Background()); err != nil || dev.acquired != 1 {
		t.Fatalf("second Start: err=%v acquired=%d", err, dev.acquired)
	}

	dev.stream.blocks <- []int16{1, 2, 3}
	dev.stream.blocks <- []int16{4, 5, 6, 7, 8, 9}
	dev.stream.blocks <- []int16{10, 11, 12}
	waitFor(t, func() bool { return out.len() == 3 })

	for i, want := range [][]int16{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}} {
		got, err := protocol.DecodePCM(out.at(i))
		if err != nil {
			t.Fatal(err)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("frame %d = %v, want %v", i, got, want)
			}
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dev.stream.closed:
	default:
		t.Fatal("stream not closed by Stop")
	}
	if p.IsCapturing() {
		t.Fatal("still capturing after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPipelineNoCallbackAfterStop(t *testing.T) {
	dev := &fakeDevice{}
	out := &payloads{}
	p := NewPipeline(dev, Options{FrameSamples: 2}, out.add)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stream := dev.stream
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	stream.blocks <- []int16{1, 2, 3, 4}
	time.Sleep(20 * time.Millisecond)
	if n := out.len(); n != 0 {
		t.Fatalf("%d payloads after Stop", n)
	}
}

func TestPipelineRestartDropsPartialFrame(t *testing.T) {
	dev := &fakeDevice{}
	out := &payloads{}
	p := NewPipeline(dev, Options{FrameSamples: 4}, out.add)

	_ = p.Start(context.Background())
	dev.stream.blocks <- []int16{1, 2}
	waitFor(t, func() bool { return p.Analysis().Level > 0 })
	_ = p.Stop()

	_ = p.Start(context.Background())
	dev.stream.blocks <- []int16{7, 7, 7, 7}
	waitFor(t, func() bool { return out.len() == 1 })
	got, _ := protocol.DecodePCM(out.at(0))
	if got[0] != 7 {
		t.Fatalf("frame = %v, want fresh samples only", got)
	}
	_ = p.Stop()
}

func TestPipelineStreamEnd(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPipeline(dev, Options{}, nil)
	_ = p.Start(context.Background())
	close(dev.stream.blocks)
	waitFor(t, func() bool { return !p.IsCapturing() })
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineDeviceErrors(t *testing.T) {
	for _, want := range []error{domain.ErrDeviceUnavailable, domain.ErrTransportUnsupported} {
		p := NewPipeline(&fakeDevice{err: want}, Options{}, nil)
		err := p.Start(context.Background())
		if !errors.Is(err, want) {
			t.Fatalf("Start error = %v, want %v", err, want)
		}
		if p.IsCapturing() {
			t.Fatal("capturing after failed Start")
		}
		if on, err := p.Toggle(context.Background()); on || !errors.Is(err, want) {
			t.Fatalf("Toggle = %v, %v", on, err)
		}
	}
}
