// Package pcm converts between floating-point audio samples and the wire
// representation used by the realtime transport: 16-bit signed little-endian
// PCM wrapped in base64 so it survives a text-oriented channel. The codec is
// pure and stateless.
package pcm

import (
	"encoding/base64"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the fixed capture rate for outbound frames.
	InputSampleRate = 16000
	// OutputSampleRate is the fixed rate of synthesized speech chunks.
	OutputSampleRate = 24000
	// BitsPerSample for the wire format.
	BitsPerSample = 16
)

// EncodeFrame maps each float sample to a 16-bit signed integer via
// round(sample * 32768) and emits little-endian bytes. Samples outside
// [-1, 1] are clamped at the 16-bit boundary rather than allowed to wrap.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32768))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodeFrame deinterleaves 16-bit little-endian PCM into per-channel float
// samples rescaled by 1/32768.
func DecodeFrame(data []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("pcm: invalid channel count %d", channels)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm: odd byte length %d", len(data))
	}
	total := len(data) / 2
	if total%channels != 0 {
		return nil, fmt.Errorf("pcm: %d samples not divisible by %d channels", total, channels)
	}
	perChannel := total / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, perChannel)
	}
	for i := 0; i < total; i++ {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i%channels][i/channels] = float32(v) / 32768
	}
	return out, nil
}

// MarshalWire applies the reversible text-safe transform used for transport
// over the text-oriented channel.
func MarshalWire(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// UnmarshalWire reverses MarshalWire.
func UnmarshalWire(wire string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("pcm: decode wire payload: %w", err)
	}
	return raw, nil
}

// DurationSeconds returns the play time of a raw PCM byte slice at the given
// rate and channel count.
func DurationSeconds(rawLen, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := rawLen / 2
	return float64(samples) / float64(sampleRate*channels)
}
