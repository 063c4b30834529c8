package recording

import (
	"fmt"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Validation sentinels. All of them carry CategoryValidation.
var (
	ErrUnsupportedExtension = errors.NewStd("unsupported file extension")
	ErrFileTooLarge         = errors.NewStd("file too large")
	ErrInvalidLocation      = errors.NewStd("invalid location")
	ErrUnknownDevice        = errors.NewStd("unknown device")
	ErrInactiveDevice       = errors.NewStd("device is deactivated")
	ErrEmptyFile            = errors.NewStd("file is empty")
)

func validationError(sentinel error, format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))).
		Component("recording").
		Category(errors.CategoryValidation).
		Build()
}

func tooLarge(limit int64) error {
	return errors.New(fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, limit)).
		Component("recording").
		Category(errors.CategoryValidation).
		Context("status", 413).
		Context("limit", limit).
		Build()
}
