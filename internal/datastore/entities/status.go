package entities

import (
	"fmt"
	"slices"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// RecordingStatus is the lifecycle state of a Recording.
type RecordingStatus string

const (
	StatusUploaded   RecordingStatus = "uploaded"
	StatusProcessing RecordingStatus = "processing"
	StatusProcessed  RecordingStatus = "processed"
	StatusFailed     RecordingStatus = "failed"
)

// ErrInvalidTransition is returned for status changes outside the lifecycle.
var ErrInvalidTransition = errors.NewStd("invalid status transition")

// ErrInvalidStatus is returned when a string is not a known status.
var ErrInvalidStatus = errors.NewStd("invalid recording status")

var allowedTransitions = map[RecordingStatus][]RecordingStatus{
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusFailed:     {StatusUploaded},
	StatusProcessed:  nil,
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []RecordingStatus {
	return []RecordingStatus{StatusUploaded, StatusProcessing, StatusProcessed, StatusFailed}
}

// ParseRecordingStatus validates s.
func ParseRecordingStatus(s string) (RecordingStatus, error) {
	st := RecordingStatus(s)
	if !st.Valid() {
		return "", errors.New(fmt.Errorf("%w: %q", ErrInvalidStatus, s)).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return st, nil
}

func (s RecordingStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether the pipeline is done with the recording.
func (s RecordingStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal change.
func (s RecordingStatus) CanTransitionTo(next RecordingStatus) bool {
	return slices.Contains(allowedTransitions[s], next)
}

// ValidateTransition returns a state error wrapping ErrInvalidTransition
// when s -> next is not allowed.
func (s RecordingStatus) ValidateTransition(next RecordingStatus) error {
	if s.CanTransitionTo(next) {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)).
		Component("datastore").
		Category(errors.CategoryState).
		Context("from", string(s)).
		Context("to", string(next)).
		Build()
}

func (s RecordingStatus) String() string { return string(s) }
