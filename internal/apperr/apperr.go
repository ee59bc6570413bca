// Package apperr defines the error taxonomy shared by the campaign engine.
//
// Callers wrap these sentinels with fmt.Errorf("...: %w", apperr.ErrX) and
// match them with errors.Is.
package apperr

import "errors"

var (
	// ErrConfiguration is returned when a test or campaign is set up in a way
	// the engine cannot work with, such as a test without enough variants.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned for unknown tests, campaigns and recipients.
	ErrNotFound = errors.New("not found")

	// ErrProvider is returned when the delivery provider rejects a batch or
	// cannot be reached.
	ErrProvider = errors.New("provider error")

	// ErrPersistence is returned when a write to the durable store fails.
	ErrPersistence = errors.New("persistence error")
)
