package device

import "sync"

// Mixer queues samples per voice and sums all voices on demand.
// A voice that falls too far behind loses its oldest samples.
type Mixer struct {
	mu        sync.Mutex
	voices    map[string][]float32
	maxQueued int
}

func NewMixer(maxQueued int) *Mixer {
	return &Mixer{voices: make(map[string][]float32), maxQueued: maxQueued}
}

// Schedule appends samples to voice's queue and reports how many old samples were dropped.
func (m *Mixer) Schedule(voice string, samples []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.voices[voice], samples...)
	dropped := 0
	if m.maxQueued > 0 && len(q) > m.maxQueued {
		dropped = len(q) - m.maxQueued
		q = append([]float32(nil), q[dropped:]...)
	}
	m.voices[voice] = q
	return dropped
}

// Mix fills out with the next len(out) samples of every voice summed and clipped to [-1, 1].
func (m *Mixer) Mix(out []float32) {
	clear(out)
	m.mu.Lock()
	defer m.mu.Unlock()
	for voice, q := range m.voices {
		n := min(len(out), len(q))
		for i := 0; i < n; i++ {
			out[i] += q[i]
		}
		if n == len(q) {
			delete(m.voices, voice)
		} else {
			m.voices[voice] = q[n:]
		}
	}
	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
}

func (m *Mixer) Queued(voice string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices[voice])
}
