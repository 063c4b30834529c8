// Package recording implements the recording store: upload validation,
// durable file placement, status changes and deletion.
package recording

import (
	"context"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/storage"
)

// UploadMetadata describes an incoming file. Size is the size declared by
// the client, or -1 when unknown.
type UploadMetadata struct {
	FileName     string
	Size         int64
	DeviceID     string
	Latitude     *float64
	Longitude    *float64
	LocationName *string
	Duration     *float64
	RecordedAt   *time.Time
	Metadata     map[string]any
	UserID       *uint
}

// Service is the recording store.
type Service struct {
	recordings repository.RecordingRepository
	devices    repository.DeviceRepository
	files      storage.FileStore
	settings   conf.StorageSettings
	log        logger.Logger
	now        func() time.Time
}

func NewService(recordings repository.RecordingRepository, devices repository.DeviceRepository, files storage.FileStore, settings *conf.StorageSettings) *Service {
	return &Service{
		recordings: recordings,
		devices:    devices,
		files:      files,
		settings:   *settings,
		log:        logger.Global().Module("recording"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores an upload. The file is on disk before the
// row is inserted and is removed again when the insert fails.
func (s *Service) Create(ctx context.Context, file io.Reader, meta UploadMetadata) (*entities.Recording, error) {
	ext := myaudio.FormatFromPath(meta.FileName)
	if !slices.Contains(s.settings.AllowedExtensions, ext) {
		return nil, validationError(ErrUnsupportedExtension, "%q is not one of %s",
			ext, strings.Join(s.settings.AllowedExtensions, ", "))
	}
	if s.settings.MaxFileSize > 0 && meta.Size > s.settings.MaxFileSize {
		return nil, tooLarge(s.settings.MaxFileSize)
	}
	if err := ValidateLocation(meta.Latitude, meta.Longitude); err != nil {
		return nil, err
	}

	deviceID, err := s.resolveDevice(ctx, meta)
	if err != nil {
		return nil, err
	}

	now := s.now()
	recordedAt := now
	switch {
	case meta.RecordedAt != nil && !meta.RecordedAt.IsZero():
		recordedAt = meta.RecordedAt.UTC()
	default:
		if _, t, ok := ParseFileName(meta.FileName); ok {
			recordedAt = t
		}
	}

	id := uuid.NewString()
	relPath := storage.RecordingPath(deviceID, recordedAt, id, meta.FileName)

	size, err := s.files.Save(ctx, relPath, file, s.settings.MaxFileSize)
	if errors.Is(err, storage.ErrTooLarge) {
		return nil, tooLarge(s.settings.MaxFileSize)
	}
	if err != nil {
		return nil, err
	}
	if size == 0 {
		s.removeFile(relPath)
		return nil, validationError(ErrEmptyFile, "%s has no content", meta.FileName)
	}

	duration := meta.Duration
	if duration == nil {
		duration = s.probeDuration(relPath, ext)
	}

	rec := &entities.Recording{
		ID:           id,
		FilePath:     relPath,
		FileName:     storage.SanitizeName(meta.FileName),
		FileSize:     size,
		FileType:     ext,
		Duration:     duration,
		Latitude:     meta.Latitude,
		Longitude:    meta.Longitude,
		LocationName: meta.LocationName,
		UserID:       meta.UserID,
		Status:       entities.StatusUploaded,
		RecordedAt:   recordedAt,
		Metadata:     meta.Metadata,
	}
	if deviceID != "" {
		rec.DeviceID = &deviceID
	}

	if err := s.recordings.Create(ctx, rec); err != nil {
		s.removeFile(relPath)
		return nil, err
	}

	if deviceID != "" {
		if err := s.devices.Touch(ctx, deviceID, now); err != nil {
			s.log.Warn("failed to update device last seen", logger.String("device_id", deviceID), logger.Error(err))
		}
	}

	s.log.Info("recording stored",
		logger.String("recording_id", id),
		logger.String("device_id", deviceID),
		logger.String("path", relPath),
		logger.Int64("bytes", size))
	return rec, nil
}

// ValidateLocation accepts both coordinates or neither.
func ValidateLocation(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return validationError(ErrInvalidLocation, "latitude and longitude must be given together")
	}
	if lat == nil {
		return nil
	}
	if math.IsNaN(*lat) || *lat < -90 || *lat > 90 {
		return validationError(ErrInvalidLocation, "latitude %v outside [-90, 90]", *lat)
	}
	if math.IsNaN(*lon) || *lon < -180 || *lon > 180 {
		return validationError(ErrInvalidLocation, "longitude %v outside [-180, 180]", *lon)
	}
	return nil
}

func (s *Service) resolveDevice(ctx context.Context, meta UploadMetadata) (string, error) {
	id := entities.NormalizeDeviceID(meta.DeviceID)
	if id == "" {
		return "", nil
	}

	dev, err := s.devices.Get(ctx, id)
	switch {
	case errors.Is(err, repository.ErrDeviceNotFound):
		if !s.settings.AutoRegisterDevices {
			return "", validationError(ErrUnknownDevice, "device %q is not registered", id)
		}
		dev, _, err = s.devices.Register(ctx, repository.DeviceRegistration{
			DeviceID:     id,
			Latitude:     meta.Latitude,
			Longitude:    meta.Longitude,
			LocationName: meta.LocationName,
		})
		if err != nil {
			return "", err
		}
		s.log.Info("device auto-registered", logger.String("device_id", id))
	case err != nil:
		return "", err
	}

	if !dev.Active {
		return "", validationError(ErrInactiveDevice, "device %q is deactivated", id)
	}
	return dev.DeviceID, nil
}

func (s *Service) probeDuration(relPath, format string) *float64 {
	f, err := s.files.Open(relPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := myaudio.Probe(f, format)
	if err != nil || info.Duration <= 0 {
		s.log.Debug("duration probe failed", logger.String("path", relPath), logger.Error(err))
		return nil
	}
	d := math.Round(info.Duration*1000) / 1000
	return &d
}

func (s *Service) removeFile(relPath string) {
	if err := s.files.Remove(relPath); err != nil {
		s.log.Error("failed to remove stored file", logger.String("path", relPath), logger.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, id string) (*entities.Recording, error) {
	return s.recordings.Get(ctx, id)
}

// GetWithAnalyses returns the recording and its detections.
func (s *Service) GetWithAnalyses(ctx context.Context, id string) (*entities.Recording, error) {
	return s.recordings.GetWithAnalyses(ctx, id)
}

func (s *Service) List(ctx context.Context, filter *repository.RecordingFilter) ([]entities.Recording, int64, error) {
	if filter != nil && filter.Status != "" {
		if _, err := entities.ParseRecordingStatus(filter.Status); err != nil {
			return nil, 0, err
		}
	}
	if filter != nil && filter.BBox != nil {
		b := filter.BBox
		if err := ValidateLocation(&b.MinLat, &b.MinLon); err != nil {
			return nil, 0, err
		}
		if err := ValidateLocation(&b.MaxLat, &b.MaxLon); err != nil {
			return nil, 0, err
		}
	}
	return s.recordings.List(ctx, filter)
}

// UpdateStatus applies an operator driven transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, next entities.RecordingStatus, errMsg string) (*entities.Recording, error) {
	rec, err := s.recordings.UpdateStatus(ctx, id, next, errMsg)
	if err != nil {
		return nil, err
	}
	s.log.Info("recording status changed",
		logger.String("recording_id", id),
		logger.String("status", string(next)))
	return rec, nil
}

// Retry moves a failed recording back to uploaded.
func (s *Service) Retry(ctx context.Context, id string) (*entities.Recording, error) {
	return s.UpdateStatus(ctx, id, entities.StatusUploaded, "")
}

// Delete removes the row, its analyses and then the file. A file that
// cannot be removed is logged, the row is gone either way.
func (s *Service) Delete(ctx context.Context, id string) (*entities.Recording, error) {
	rec, err := s.recordings.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.removeFile(rec.FilePath)
	s.log.Info("recording deleted", logger.String("recording_id", id))
	return rec, nil
}

// OpenAudio opens the stored file of a recording. The caller closes it.
func (s *Service) OpenAudio(ctx context.Context, id string) (*entities.Recording, *os.File, error) {
	rec, err := s.recordings.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.files.Open(rec.FilePath)
	if err != nil {
		return nil, nil, err
	}
	return rec, f, nil
}

// ContentType returns the MIME type for a stored file type.
func ContentType(fileType string) string {
	switch fileType {
	case myaudio.FormatWAV:
		return "audio/wav"
	case myaudio.FormatFLAC:
		return "audio/flac"
	case myaudio.FormatMP3:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
