package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dkeye/voiceroom/internal/domain"
)

// EncodePCM packs samples as little-endian int16 and base64 encodes them.
func EncodePCM(samples []int16) string {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodePCM reverses EncodePCM.
func DecodePCM(payload string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrDecode)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", domain.ErrDecode, len(raw))
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// PCMToFloat maps int16 to [-1, 1]. Negative samples scale by 0x8000, the rest by 0x7FFF,
// so both extremes land exactly on -1 and 1.
func PCMToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// FloatToPCM is the clamped, rounded inverse of PCMToFloat.
func FloatToPCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		v := float64(f)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		if v < 0 {
			out[i] = int16(math.Round(v * 0x8000))
		} else {
			out[i] = int16(math.Round(v * 0x7FFF))
		}
	}
	return out
}
