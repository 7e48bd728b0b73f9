package audio

import (
	"math"
	"time"
)

// SilenceDetector keeps frames from the first loud one on and asks to stop
// after a stretch of quiet frames.
type SilenceDetector struct {
	threshold   float64
	limitFrames int

	speaking bool
	quiet    int
}

func NewSilenceDetector(threshold float64, silence, frame time.Duration) *SilenceDetector {
	return &SilenceDetector{threshold: threshold, limitFrames: max(int(silence/frame), 1)}
}

// Feed reports whether frame belongs to the utterance and whether the
// utterance is over.
func (d *SilenceDetector) Feed(frame []float32) (keep, stop bool) {
	if FrameRMS(frame) > d.threshold {
		d.speaking = true
		d.quiet = 0
		return true, false
	}
	if !d.speaking {
		return false, false
	}
	d.quiet++
	return true, d.quiet >= d.limitFrames
}

// FrameRMS is the root mean square level of f.
func FrameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s / float64(len(f)))
}
