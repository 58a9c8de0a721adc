package protocol

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/dkeye/voiceroom/internal/domain"
)

func TestEncodePCMLittleEndian(t *testing.T) {
	// 1 -> 01 00, -1 -> ff ff
	if got := EncodePCM([]int16{1, -1}); got != "AQD//w==" {
		t.Fatalf("EncodePCM = %q", got)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 123, -4567, math.MaxInt16, math.MinInt16}
	got, err := DecodePCM(EncodePCM(in))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("got %v, want %v", got, in)
	}
}

func TestDecodePCMErrors(t *testing.T) {
	for _, payload := range []string{"", "!!!", "AQ==", "AQID"} {
		if _, err := DecodePCM(payload); !errors.Is(err, domain.ErrDecode) {
			t.Errorf("DecodePCM(%q) error = %v, want ErrDecode", payload, err)
		}
	}
}

func TestPCMToFloatExtremes(t *testing.T) {
	got := PCMToFloat([]int16{math.MinInt16, 0, math.MaxInt16})
	want := []float32{-1, 0, 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFloatPCMRoundTrip(t *testing.T) {
	in := make([]int16, 0, 1<<16)
	for v := math.MinInt16; v <= math.MaxInt16; v += 7 {
		in = append(in, int16(v))
	}
	in = append(in, math.MaxInt16)
	out := FloatToPCM(PCMToFloat(in))
	for i := range in {
		if d := int(out[i]) - int(in[i]); d < -1 || d > 1 {
			t.Fatalf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestFloatToPCMClamps(t *testing.T) {
	got := FloatToPCM([]float32{-2, 2, float32(math.NaN())})
	want := []int16{math.MinInt16, math.MaxInt16, 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
