package feed

import (
	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/decode"
)

// clipStreamer is a beep.Streamer over a decoded clip, downmixed or
// duplicated to stereo
type clipStreamer struct {
	clip   *decode.Clip
	pos    int
	frame  []float64
	stereo [2]float64
}

func newClipStreamer(clip *decode.Clip) *clipStreamer {
	return &clipStreamer{clip: clip, frame: make([]float64, clip.Format.Channels)}
}

func (c *clipStreamer) Stream(samples [][2]float64) (int, bool) {
	f := c.clip.Format
	total := c.clip.Frames()
	if c.pos >= total {
		return 0, false
	}

	n := min(len(samples), total-c.pos)
	size := f.FrameSize()
	for i := range n {
		off := (c.pos + i) * size
		audio.DecodeFrames(c.frame, c.clip.Samples[off:off+size], f)
		audio.RemapChannels(c.stereo[:], 2, c.frame, f.Channels)
		samples[i] = c.stereo
	}
	c.pos += n
	return n, true
}

func (c *clipStreamer) Err() error { return nil }

func (c *clipStreamer) Len() int { return c.clip.Frames() }

func (c *clipStreamer) Position() int { return c.pos }
