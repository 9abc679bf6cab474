package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/postvoz/pkg/audio"
)

var _ audio.OutputOpener = (*OtoOpener)(nil)

// DefaultOtoBuffer is the device buffer used when none is configured.
const DefaultOtoBuffer = 100 * time.Millisecond

// OtoOpener plays output contexts through the system speaker. oto permits a
// single context per process, so the context is created on first use and
// shared by every output opened afterwards; all outputs must use the same
// format.
type OtoOpener struct {
	// BufferSize is the device buffer length. Smaller values lower latency
	// at the risk of glitches.
	BufferSize time.Duration

	once   sync.Once
	ctx    *oto.Context
	format audio.Format
	err    error
}

// OpenOutput returns a [Timeline]-backed output whose clock is driven by the
// speaker pulling samples.
func (o *OtoOpener) OpenOutput(f audio.Format) (audio.OutputContext, error) {
	o.once.Do(func() {
		buf := o.BufferSize
		if buf <= 0 {
			buf = DefaultOtoBuffer
		}
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buf,
		})
		if err != nil {
			o.err = fmt.Errorf("playback: oto: new context: %w", err)
			return
		}
		<-ready
		o.ctx = ctx
		o.format = f
	})
	if o.err != nil {
		return nil, o.err
	}
	if f != o.format {
		return nil, fmt.Errorf("playback: oto: context opened as %s, cannot open %s", o.format, f)
	}
	if f.Channels != 1 {
		return nil, fmt.Errorf("playback: oto: only mono output is supported, got %s", f)
	}

	tl := NewTimeline(f.SampleRate)
	player := o.ctx.NewPlayer(tl)
	player.Play()
	return &otoOutput{Timeline: tl, player: player}, nil
}

// otoOutput ties a player's lifetime to its timeline.
type otoOutput struct {
	*Timeline
	player *oto.Player

	closeOnce sync.Once
	closeErr  error
}

// Close ends all pending buffers and releases the player.
func (o *otoOutput) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Timeline.Close()
		o.player.Pause()
		if err := o.player.Close(); err != nil {
			o.closeErr = fmt.Errorf("playback: oto: close player: %w", err)
		}
	})
	return o.closeErr
}
