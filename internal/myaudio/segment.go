package myaudio

import "fmt"

// Window is one fixed length slice of a recording. Start and End are in
// seconds from the beginning of the recording.
type Window struct {
	Index   int
	Samples []float32
	Start   float64
	End     float64
}

// SplitWindows cuts pcm into windows of windowSec seconds. overlap is the
// fraction of a window shared with the next one, in [0, 1). A trailing
// partial window is kept, zero padded, when it holds at least half a window.
// End of a padded window is the end of the audio, not of the padding.
func SplitWindows(pcm *PCM, windowSec, overlap float64) ([]Window, error) {
	if windowSec <= 0 {
		return nil, fmt.Errorf("%w: window length %v must be positive", ErrInvalidAudio, windowSec)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("%w: overlap %v outside [0, 1)", ErrInvalidAudio, overlap)
	}
	if pcm.SampleRate <= 0 || pcm.Channels <= 0 {
		return nil, fmt.Errorf("%w: missing sample rate or channels", ErrInvalidAudio)
	}

	frames := pcm.Frames()
	windowFrames := int(windowSec * float64(pcm.SampleRate))
	stepFrames := max(int(float64(windowFrames)*(1-overlap)), 1)
	minFrames := (windowFrames + 1) / 2
	ch := pcm.Channels
	rate := float64(pcm.SampleRate)

	var windows []Window
	for start := 0; start < frames; start += stepFrames {
		end := start + windowFrames
		if end <= frames {
			windows = append(windows, Window{
				Index:   len(windows),
				Samples: pcm.Samples[start*ch : end*ch],
				Start:   float64(start) / rate,
				End:     float64(end) / rate,
			})
			continue
		}

		remaining := frames - start
		if remaining >= minFrames {
			padded := make([]float32, windowFrames*ch)
			copy(padded, pcm.Samples[start*ch:])
			windows = append(windows, Window{
				Index:   len(windows),
				Samples: padded,
				Start:   float64(start) / rate,
				End:     float64(frames) / rate,
			})
		}
		break
	}
	return windows, nil
}
