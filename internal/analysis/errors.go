package analysis

import (
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

var (
	// ErrAlreadyProcessing is returned when another caller holds the claim.
	ErrAlreadyProcessing = errors.NewStd("recording is already being processed")
	// ErrInvalidState is returned when the recording is neither uploaded nor
	// processing, e.g. already processed or failed.
	ErrInvalidState = errors.NewStd("recording is not in a state that can be analyzed")
)

func alreadyProcessing(id string) error {
	return errors.New(ErrAlreadyProcessing).
		Component("analysis").
		Category(errors.CategoryConflict).
		Context("recording_id", id).
		Build()
}

func invalidState(id string, status entities.RecordingStatus) error {
	return errors.New(ErrInvalidState).
		Component("analysis").
		Category(errors.CategoryState).
		Context("recording_id", id).
		Context("status", string(status)).
		Build()
}
