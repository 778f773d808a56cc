package models

import "errors"

var (
	ErrNoCapacity       = errors.New("no capacity available")
	ErrNoSuitableDevice = errors.New("no suitable device")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidRequest   = errors.New("invalid request")
	// ErrCollaborator marks failures of quota, billing, notification or event bus calls.
	ErrCollaborator = errors.New("collaborator failure")
)
