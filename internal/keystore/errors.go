package keystore

import "errors"

var (
	// ErrInvalidKey is returned when a key is empty after normalisation.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidDuration is returned for negative or out of range months/hours.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrPersistence wraps any failure reported by the Persister. The
	// mutation that triggered it was not saved.
	ErrPersistence = errors.New("persistence failure")
)
