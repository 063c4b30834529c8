package myaudio

import (
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes interleaved samples as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate, channels int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)

	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		data[i] = int(max(min(v, 32767), -32768))
	}
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// WriteWAVFile encodes samples to path.
func WriteWAVFile(path string, samples []float32, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, samples, sampleRate, channels); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Sine returns seconds of a mono sine tone at freq Hz.
func Sine(freq float64, seconds float64, sampleRate int, amplitude float32) []float32 {
	n := int(seconds * float64(sampleRate))
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
