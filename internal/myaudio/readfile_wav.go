package myaudio

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavChunkFrames is how many frames are pulled from the decoder per read.
const wavChunkFrames = 65536

func openWAV(r io.ReadSeeker) (*wav.Decoder, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid WAV file", ErrInvalidAudio)
	}
	if decoder.NumChans == 0 || decoder.SampleRate == 0 {
		return nil, fmt.Errorf("%w: WAV header has no channels or sample rate", ErrInvalidAudio)
	}
	return decoder, nil
}

func probeWAV(r io.ReadSeeker) (Info, error) {
	decoder, err := openWAV(r)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}
	if d, err := decoder.Duration(); err == nil {
		info.Duration = d.Seconds()
	}
	return info, nil
}

func decodeWAV(r io.ReadSeeker) (*PCM, error) {
	decoder, err := openWAV(r)
	if err != nil {
		return nil, err
	}
	divisor, err := getAudioDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, err
	}

	channels := int(decoder.NumChans)
	pcm := &PCM{SampleRate: int(decoder.SampleRate), Channels: channels}
	buf := &audio.IntBuffer{
		Data:   make([]int, wavChunkFrames*channels),
		Format: &audio.Format{SampleRate: pcm.SampleRate, NumChannels: channels},
	}

	// 8-bit WAV is unsigned.
	offset := 0
	if decoder.BitDepth == 8 {
		offset = 128
	}

	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		for _, sample := range buf.Data[:n] {
			pcm.Samples = append(pcm.Samples, float32(sample-offset)/divisor)
		}
	}
	return pcm, nil
}
