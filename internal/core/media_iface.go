package core

import "context"

// Constraints are the processing hints requested from a capture device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

// CaptureDevice hands out live microphone streams.
type CaptureDevice interface {
	// Acquire opens a stream. Fails with domain.ErrDeviceUnavailable or domain.ErrTransportUnsupported.
	Acquire(ctx context.Context, c Constraints) (CaptureStream, error)
}

// CaptureStream delivers mono int16 blocks of arbitrary length.
// Blocks is closed once the stream ends or Close returns.
type CaptureStream interface {
	Blocks() <-chan []int16
	SampleRate() int
	Close() error
}

type DeviceState int

const (
	DeviceSuspended DeviceState = iota
	DeviceRunning
	DeviceClosed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceSuspended:
		return "suspended"
	case DeviceRunning:
		return "running"
	case DeviceClosed:
		return "closed"
	}
	return "unknown"
}

// PlaybackDevice is the shared output. Voices are scheduled independently and summed.
type PlaybackDevice interface {
	SampleRate() int
	State() DeviceState
	// Resume starts a suspended device. No-op when already running.
	Resume(ctx context.Context) error
	// Schedule queues samples after anything already queued for the same voice.
	Schedule(voice string, samples []float32) error
	Close() error
}
