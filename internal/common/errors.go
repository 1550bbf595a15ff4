// Package common defines shared constants and sentinel errors used across
// the docintake server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorConflict     = errors.New("state conflict")

	// Validation errors (metadata, extension/MIME/signature mismatch).
	ErrorValidation = errors.New("validation error")

	// Auth errors (invalid, tampered or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
