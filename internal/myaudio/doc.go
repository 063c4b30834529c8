// Package myaudio decodes stored recordings into float32 PCM, converts them
// to the analysis sample rate and channel layout, and cuts them into the
// fixed-length windows the classifiers consume.
//
// Supported containers are WAV (go-audio/wav), FLAC (tphakala/flac) and
// MP3 (hajimehoshi/go-mp3).
package myaudio
