package model

import "errors"

var (
	// ErrStoreUnavailable is returned for local store I/O failures. Retryable.
	ErrStoreUnavailable = errors.New("local store unavailable")
	// ErrStoreCorrupted is returned when persisted data cannot be decoded.
	ErrStoreCorrupted = errors.New("local store corrupted")
	// ErrChannelDisconnected is returned when the remote backend is unreachable. Retryable.
	ErrChannelDisconnected = errors.New("remote channel disconnected")
	// ErrAuthFailure is returned when the session is rejected or expired.
	ErrAuthFailure = errors.New("remote authentication failure")
	// ErrMalformedReading marks readings that fail validation. They are dropped.
	ErrMalformedReading = errors.New("malformed reading")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrChannelDisconnected)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrStoreCorrupted)
}
