package pcm

import (
	"math"
	"testing"
)

// TestRoundTripQuantization verifies decode(encode(x)) stays within one
// quantization step of the original for in-range samples.
func TestRoundTripQuantization(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.25, -0.999, 0.999, 1.0 / 3.0, -1.0 / 7.0}
	raw := EncodeFrame(in)
	chans, err := DecodeFrame(raw, 1)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	out := chans[0]
	if len(out) != len(in) {
		t.Fatalf("length mismatch: want=%d got=%d", len(in), len(out))
	}
	const step = 1.0 / 32768
	for i := range in {
		if diff := math.Abs(float64(in[i]) - float64(out[i])); diff > step {
			t.Errorf("sample %d: in=%v out=%v diff=%v exceeds %v", i, in[i], out[i], diff, step)
		}
	}
}

// TestEncodeClampsAtBoundary asserts out-of-range samples clamp to the 16-bit
// limits instead of wrapping.
func TestEncodeClampsAtBoundary(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{1.0, math.MaxInt16},
		{1.5, math.MaxInt16},
		{2.0, math.MaxInt16},
		{-1.0, math.MinInt16},
		{-1.5, math.MinInt16},
	}
	for _, c := range cases {
		raw := EncodeFrame([]float32{c.in})
		got := int16(raw[0]) | int16(raw[1])<<8
		if got != c.want {
			t.Errorf("encode(%v): want=%d got=%d", c.in, c.want, got)
		}
	}
}

func TestDecodeDeinterleavesChannels(t *testing.T) {
	// Two interleaved stereo samples: L=16384, R=-16384, L=8192, R=-8192.
	raw := EncodeFrame([]float32{0.5, -0.5, 0.25, -0.25})
	chans, err := DecodeFrame(raw, 2)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(chans) != 2 || len(chans[0]) != 2 {
		t.Fatalf("unexpected shape: %d channels x %d samples", len(chans), len(chans[0]))
	}
	if chans[0][0] != 0.5 || chans[1][0] != -0.5 || chans[0][1] != 0.25 || chans[1][1] != -0.25 {
		t.Fatalf("deinterleave mismatch: %v", chans)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := DecodeFrame([]byte{1}, 1); err == nil {
		t.Error("odd byte length accepted")
	}
	if _, err := DecodeFrame(make([]byte, 6), 2); err == nil {
		t.Error("sample count not divisible by channels accepted")
	}
	if _, err := DecodeFrame(nil, 0); err == nil {
		t.Error("zero channels accepted")
	}
}

func TestWireTransformRoundTrip(t *testing.T) {
	raw := EncodeFrame([]float32{0.1, -0.2, 0.3})
	wire := MarshalWire(raw)
	back, err := UnmarshalWire(wire)
	if err != nil {
		t.Fatalf("UnmarshalWire: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("wire round trip mismatch")
	}
	if _, err := UnmarshalWire("not base64!!"); err == nil {
		t.Error("invalid wire payload accepted")
	}
}
