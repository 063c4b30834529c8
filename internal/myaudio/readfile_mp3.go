package myaudio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit little endian stereo.
const (
	mp3Channels      = 2
	mp3BytesPerFrame = 4
)

func openMP3(r io.ReadSeeker) (*mp3.Decoder, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}
	return decoder, nil
}

func probeMP3(r io.ReadSeeker) (Info, error) {
	decoder, err := openMP3(r)
	if err != nil {
		return Info{}, err
	}
	info := Info{SampleRate: decoder.SampleRate(), Channels: mp3Channels, BitDepth: 16}
	if n := decoder.Length(); n > 0 && info.SampleRate > 0 {
		info.Duration = float64(n/mp3BytesPerFrame) / float64(info.SampleRate)
	}
	return info, nil
}

func decodeMP3(r io.ReadSeeker) (*PCM, error) {
	decoder, err := openMP3(r)
	if err != nil {
		return nil, err
	}
	pcm := &PCM{SampleRate: decoder.SampleRate(), Channels: mp3Channels}
	if n := decoder.Length(); n > 0 {
		pcm.Samples = make([]float32, 0, n/2)
	}

	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := decoder.Read(buf)
		data := buf[:n]
		if len(carry) > 0 {
			data = append(carry, data...)
			carry = nil
		}
		usable := len(data) - len(data)%2
		for i := 0; i < usable; i += 2 {
			s := int16(binary.LittleEndian.Uint16(data[i:]))
			pcm.Samples = append(pcm.Samples, float32(s)/32768.0)
		}
		if usable < len(data) {
			carry = append([]byte(nil), data[usable:]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return pcm, nil
}
