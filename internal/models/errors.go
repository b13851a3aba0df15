package models

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrExpired           = errors.New("export expired")
	ErrNotReady          = errors.New("export not ready")
	ErrJobFailed         = errors.New("job failed")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownOperator   = errors.New("unknown criteria operator")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrInvalidRequest    = errors.New("invalid request")
)
