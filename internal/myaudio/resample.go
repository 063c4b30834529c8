package myaudio

import "fmt"

// ResampleAudio resamples a mono slice from originalRate to targetRate using
// cubic interpolation.
func ResampleAudio(audio []float32, originalRate, targetRate int) ([]float32, error) {
	if originalRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rates %d -> %d", ErrInvalidAudio, originalRate, targetRate)
	}
	if originalRate == targetRate {
		return audio, nil
	}

	ratio := float64(targetRate) / float64(originalRate)
	newLength := int(float64(len(audio)) * ratio)
	resampled := make([]float32, newLength)

	// Too short for the 4-point kernel; fall back to nearest sample.
	if len(audio) < 4 {
		for i := range resampled {
			idx := min(int(float64(i)/ratio), len(audio)-1)
			resampled[i] = audio[idx]
		}
		return resampled, nil
	}

	lastIndex := len(audio) - 3
	for i := range newLength {
		origPos := float64(i) / ratio
		index := int(origPos)

		if index < 1 {
			index = 1
		} else if index > lastIndex {
			index = lastIndex
		}

		frac := float32(origPos) - float32(index)

		y0, y1, y2, y3 := audio[index-1], audio[index], audio[index+1], audio[index+2]
		mu2 := frac * frac
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		a3 := y1

		resampled[i] = a0*frac*mu2 + a1*mu2 + a2*frac + a3
	}

	return resampled, nil
}

// Resample converts every channel of pcm to targetRate.
func Resample(pcm *PCM, targetRate int) (*PCM, error) {
	if pcm.SampleRate == targetRate {
		return pcm, nil
	}
	if pcm.Channels == 1 {
		out, err := ResampleAudio(pcm.Samples, pcm.SampleRate, targetRate)
		if err != nil {
			return nil, err
		}
		return &PCM{Samples: out, SampleRate: targetRate, Channels: 1}, nil
	}

	planes := deinterleave(pcm)
	for c := range planes {
		out, err := ResampleAudio(planes[c], pcm.SampleRate, targetRate)
		if err != nil {
			return nil, err
		}
		planes[c] = out
	}
	return &PCM{Samples: interleave(planes), SampleRate: targetRate, Channels: pcm.Channels}, nil
}

// ConvertChannels downmixes by averaging or upmixes by copying the first
// channel.
func ConvertChannels(pcm *PCM, channels int) *PCM {
	if channels <= 0 || channels == pcm.Channels {
		return pcm
	}
	frames := pcm.Frames()
	out := make([]float32, frames*channels)

	if channels == 1 {
		inv := 1 / float32(pcm.Channels)
		for f := range frames {
			var sum float32
			for c := range pcm.Channels {
				sum += pcm.Samples[f*pcm.Channels+c]
			}
			out[f] = sum * inv
		}
		return &PCM{Samples: out, SampleRate: pcm.SampleRate, Channels: 1}
	}

	for f := range frames {
		for c := range channels {
			src := min(c, pcm.Channels-1)
			out[f*channels+c] = pcm.Samples[f*pcm.Channels+src]
		}
	}
	return &PCM{Samples: out, SampleRate: pcm.SampleRate, Channels: channels}
}

func deinterleave(pcm *PCM) [][]float32 {
	frames := pcm.Frames()
	planes := make([][]float32, pcm.Channels)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}
	for f := range frames {
		for c := range pcm.Channels {
			planes[c][f] = pcm.Samples[f*pcm.Channels+c]
		}
	}
	return planes
}

func interleave(planes [][]float32) []float32 {
	if len(planes) == 0 {
		return nil
	}
	frames := len(planes[0])
	for _, p := range planes[1:] {
		frames = min(frames, len(p))
	}
	out := make([]float32, frames*len(planes))
	for f := range frames {
		for c, p := range planes {
			out[f*len(planes)+c] = p[f]
		}
	}
	return out
}
