package myaudio

import (
	"github.com/tphakala/birdnet-census/internal/errors"
)

// Error sentinel values for decoding failures.
var (
	ErrUnsupportedFormat = errors.Newf("unsupported audio format").
				Component("myaudio").
				Category(errors.CategoryValidation).
				Build()

	ErrInvalidAudio = errors.Newf("invalid audio data").
			Component("myaudio").
			Category(errors.CategoryAudio).
			Build()

	ErrEmptyAudio = errors.Newf("audio contains no samples").
			Component("myaudio").
			Category(errors.CategoryAudio).
			Build()
)

func decodeError(err error, format, operation string) error {
	return errors.New(err).
		Component("myaudio").
		Category(errors.CategoryAudio).
		Context("format", format).
		Context("operation", operation).
		Build()
}
