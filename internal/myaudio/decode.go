package myaudio

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Container formats accepted by Decode.
const (
	FormatWAV  = "wav"
	FormatFLAC = "flac"
	FormatMP3  = "mp3"
)

// Analysis defaults.
const (
	SampleRate  = 48000
	NumChannels = 1
)

// Info describes the stream as stored, before conversion.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   float64 // seconds
}

// PCM is interleaved float32 audio in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (p *PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the length in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// FormatFromPath returns the lower case extension of path without the dot.
func FormatFromPath(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsSupportedFormat reports whether Decode can read format.
func IsSupportedFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatWAV, FormatFLAC, FormatMP3:
		return true
	}
	return false
}

// Decode reads the whole stream and converts it to targetRate and
// targetChannels. Zero targets keep the source values.
func Decode(r io.ReadSeeker, format string, targetRate, targetChannels int) (*PCM, error) {
	format = strings.ToLower(format)

	var (
		pcm *PCM
		err error
	)
	switch format {
	case FormatWAV:
		pcm, err = decodeWAV(r)
	case FormatFLAC:
		pcm, err = decodeFLAC(r)
	case FormatMP3:
		pcm, err = decodeMP3(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, decodeError(err, format, "decode")
	}
	if len(pcm.Samples) == 0 {
		return nil, ErrEmptyAudio
	}

	if targetChannels > 0 && targetChannels != pcm.Channels {
		pcm = ConvertChannels(pcm, targetChannels)
	}
	if targetRate > 0 && targetRate != pcm.SampleRate {
		pcm, err = Resample(pcm, targetRate)
		if err != nil {
			return nil, decodeError(err, format, "resample")
		}
	}
	return pcm, nil
}

// Probe reads only the header and returns stream parameters and duration.
func Probe(r io.ReadSeeker, format string) (Info, error) {
	format = strings.ToLower(format)

	var (
		info Info
		err  error
	)
	switch format {
	case FormatWAV:
		info, err = probeWAV(r)
	case FormatFLAC:
		info, err = probeFLAC(r)
	case FormatMP3:
		info, err = probeMP3(r)
	default:
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Info{}, decodeError(err, format, "probe")
	}
	return info, nil
}

// getAudioDivisor returns the value to divide integer samples by to get
// floats in [-1, 1].
func getAudioDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 8:
		return 128.0, nil
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidAudio, bitDepth)
	}
}
