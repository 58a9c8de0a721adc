//go:build !portaudio

package device

import (
	"context"
	"fmt"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
)

const PortAudioAvailable = false

// Microphone stub when portaudio is not available
type Microphone struct {
	Rate  int
	Block int
}

func (Microphone) Acquire(context.Context, core.Constraints) (core.CaptureStream, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags portaudio", domain.ErrTransportUnsupported)
}

func openSpeaker(int, int) (core.PlaybackDevice, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags portaudio", domain.ErrTransportUnsupported)
}
