package audio

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
)

// FrameConverter re-encodes Frames for endpoints whose input sample rate
// differs from the capture rate. It logs a warning on the first rate
// mismatch. Create one per session; not designed for shared use across
// goroutines.
type FrameConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert resamples frame to the target rate. If the frame already matches,
// it is returned unchanged.
func (c *FrameConverter) Convert(frame Frame) (Frame, error) {
	if frame.SampleRate == c.TargetRate || c.TargetRate <= 0 {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio frame rate mismatch: resampling",
			"from", formatString(frame.SampleRate, 1),
			"to", formatString(c.TargetRate, 1),
		)
	})

	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: convert frame %d: %w", frame.Seq, err)
	}
	if len(pcm)%2 != 0 {
		return Frame{}, fmt.Errorf("audio: convert frame %d: %w", frame.Seq, ErrOddLength)
	}

	out := ResampleMono16(pcm, frame.SampleRate, c.TargetRate)
	frame.Data = base64.StdEncoding.EncodeToString(out)
	frame.Samples = len(out) / 2
	frame.SampleRate = c.TargetRate
	return frame, nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
