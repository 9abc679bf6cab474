package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned when a PCM16 payload does not contain a whole
// number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// EncodePCM16 converts float samples to little-endian PCM16. Each sample is
// scaled by 32768 and rounded; values outside [-1, 1) wrap per int16
// conversion rather than being clipped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(math.Round(float64(s) * 32768)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 into float samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// EncodeBlock encodes one captured block as base64 PCM16.
func EncodeBlock(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeChunk decodes a base64 PCM16 chunk into a playable buffer at the
// given sample rate.
func DecodeChunk(chunk string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}
