package capture

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Snapshot is one pull of the analysis tap. Bins are normalised to [0, 1].
type Snapshot struct {
	Bins  []float32 `json:"bins"`
	Level float32   `json:"level"`
}

// Analyser keeps the last size samples and turns them into a spectrum on demand.
type Analyser struct {
	mu     sync.Mutex
	ring   []float64
	pos    int
	window []float64
	fft    *fourier.FFT
	seq    []float64
	coeffs []complex128
}

func NewAnalyser(size int) *Analyser {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size)))
	}
	return &Analyser{
		ring:   make([]float64, size),
		window: window,
		fft:    fourier.NewFFT(size),
		seq:    make([]float64, size),
	}
}

func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 0x8000
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.pos = 0
}

func (a *Analyser) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	var sum float64
	for i := 0; i < n; i++ {
		v := a.ring[(a.pos+i)%n]
		sum += v * v
		a.seq[i] = v * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	bins := make([]float32, n/2)
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		if mag == 0 {
			continue
		}
		db := 20 * math.Log10(mag)
		bins[k] = float32(math.Max(0, math.Min(1, (db-minDecibels)/(maxDecibels-minDecibels))))
	}
	return Snapshot{Bins: bins, Level: float32(math.Sqrt(sum / float64(n)))}
}

