package domain

import "errors"

var (
	// ErrDeviceUnavailable means no capture/playback device was granted or found.
	// Surfaced to the user, never retried automatically.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrTransportUnsupported means the runtime cannot deliver device callbacks at all.
	ErrTransportUnsupported = errors.New("audio transport unsupported")
	// ErrDecode marks a corrupt inbound audio payload. The frame is dropped.
	ErrDecode = errors.New("audio decode error")
	// ErrProtocolParse marks an inbound message that is not a valid envelope.
	ErrProtocolParse = errors.New("protocol parse error")
	// ErrConnectionLost marks an abnormal channel closure; recovered by reconnect.
	ErrConnectionLost = errors.New("connection lost")
)
