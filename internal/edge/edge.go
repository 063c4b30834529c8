// Package edge implements the field recorder side of the census: it finds
// completed recordings in a watch directory and ships them to the backend
// over HTTP, SFTP or FTP, once or on a cron schedule.
package edge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Sidecar is the optional <recording>.json written next to a recording.
type Sidecar struct {
	Latitude     *float64       `json:"latitude,omitempty"`
	Longitude    *float64       `json:"longitude,omitempty"`
	LocationName *string        `json:"location_name,omitempty"`
	Duration     *float64       `json:"duration,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PendingFile is a completed recording that has not been synced yet.
type PendingFile struct {
	Path        string // absolute local path
	Name        string // base name
	DeviceID    string
	RecordedAt  time.Time
	Size        int64
	ModTime     time.Time
	SidecarPath string // empty when there is no sidecar
	Sidecar     *Sidecar
}

// Uploader delivers one file to the backend.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, f *PendingFile) error
	Close() error
}

func edgeError(err error, category errors.ErrorCategory, op string) error {
	return errors.New(err).
		Component("edge").
		Category(category).
		Context("operation", op).
		Build()
}

// NewUploader builds the uploader selected by settings.Method.
func NewUploader(settings *conf.EdgeSettings) (Uploader, error) {
	switch strings.ToLower(settings.Method) {
	case "", conf.EdgeMethodHTTP:
		return NewHTTPUploader(HTTPConfigFromSettings(settings))
	case conf.EdgeMethodSFTP:
		return NewSFTPUploader(SFTPConfigFromSettings(settings))
	case conf.EdgeMethodFTP:
		return NewFTPUploader(FTPConfigFromSettings(settings))
	default:
		return nil, edgeError(fmt.Errorf("unsupported upload method %q", settings.Method),
			errors.CategoryConfiguration, "new_uploader")
	}
}

func moduleLogger(name string) logger.Logger {
	return logger.Global().Module("edge").Module(name)
}
