package myaudio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tphakala/flac"

	"github.com/tphakala/birdnet-census/internal/errors"
)

func openFLAC(r io.ReadSeeker) (*flac.Decoder, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	decoder, err := flac.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}
	if decoder.NChannels == 0 || decoder.SampleRate == 0 {
		return nil, fmt.Errorf("%w: FLAC stream has no channels or sample rate", ErrInvalidAudio)
	}
	return decoder, nil
}

func probeFLAC(r io.ReadSeeker) (Info, error) {
	decoder, err := openFLAC(r)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		SampleRate: decoder.SampleRate,
		Channels:   decoder.NChannels,
		BitDepth:   decoder.BitsPerSample,
	}
	if decoder.TotalSamples > 0 {
		info.Duration = float64(decoder.TotalSamples) / float64(decoder.SampleRate)
	}
	return info, nil
}

func decodeFLAC(r io.ReadSeeker) (*PCM, error) {
	decoder, err := openFLAC(r)
	if err != nil {
		return nil, err
	}
	divisor, err := getAudioDivisor(decoder.BitsPerSample)
	if err != nil {
		return nil, err
	}

	pcm := &PCM{SampleRate: decoder.SampleRate, Channels: decoder.NChannels}
	if decoder.TotalSamples > 0 {
		pcm.Samples = make([]float32, 0, int(decoder.TotalSamples)*decoder.NChannels)
	}
	bytesPerSample := decoder.BitsPerSample / 8

	// Frames are interleaved little endian PCM.
	for {
		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
			var sample int32
			switch decoder.BitsPerSample {
			case 8:
				sample = int32(int8(frame[i]))
			case 16:
				sample = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
			case 24:
				sample = int32(frame[i]) | int32(frame[i+1])<<8 | int32(int8(frame[i+2]))<<16
			case 32:
				sample = int32(binary.LittleEndian.Uint32(frame[i:]))
			}
			pcm.Samples = append(pcm.Samples, float32(sample)/divisor)
		}
	}
	return pcm, nil
}
