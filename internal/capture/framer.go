package capture

import "github.com/dkeye/voiceroom/internal/domain"

// Framer slices an arbitrary block stream into frames of exactly size samples.
// The remainder is carried into the next Push.
type Framer struct {
	size int
	buf  []int16
}

func NewFramer(size int) *Framer {
	return &Framer{size: size, buf: make([]int16, 0, size)}
}

func (f *Framer) Push(samples []int16, emit func(domain.Frame)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			emit(domain.Frame(f.buf))
			f.buf = make([]int16, 0, f.size)
		}
	}
}

// Pending is the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }
