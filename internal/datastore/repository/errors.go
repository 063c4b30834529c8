// Package repository implements persistence for recordings, analyses,
// devices, users and the reporting queries over them.
package repository

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrRecordingNotFound = errors.NewStd("recording not found")
	ErrAnalysisNotFound  = errors.NewStd("analysis not found")
	ErrDeviceNotFound    = errors.NewStd("device not found")
	ErrUserNotFound      = errors.NewStd("user not found")
	ErrSpeciesNotFound   = errors.NewStd("species not found")

	// ErrPersistence wraps any storage failure, including constraint violations.
	ErrPersistence = errors.NewStd("persistence error")

	// ErrStatusChanged means a conditional status write matched no row
	// because another writer moved the recording first.
	ErrStatusChanged = errors.NewStd("recording status changed concurrently")

	ErrDuplicateEmail = errors.NewStd("email already registered")

	// ErrSpeciesExists rejects a second catalog entry for the same name.
	ErrSpeciesExists = errors.NewStd("species already in catalog")
	// ErrSpeciesInUse blocks deleting a catalog entry that detections reference.
	ErrSpeciesInUse = errors.NewStd("species has detections")
)

func notFound(sentinel error, id any) error {
	return errors.New(sentinel).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("id", fmt.Sprint(id)).
		Build()
}

// dbError wraps err so that it matches ErrPersistence and carries the
// database category.
func dbError(err error, operation string) error {
	if err == nil {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %w", ErrPersistence, err)).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
