package models

import "errors"

// Sentinel errors for the acquisition and delivery pipeline.
var (
	// Resolution errors
	ErrInvalidIdentifier   = errors.New("invalid content identifier")
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

	// Pipeline errors
	ErrDownloadFailed = errors.New("failed to download stream")
	ErrEncodeFailed   = errors.New("encoder execution failed")
	ErrProcessSpawn   = errors.New("failed to start encoder process")
	ErrPersistence    = errors.New("persistence operation failed")

	// Delivery errors
	ErrTokenInvalid     = errors.New("download token invalid or expired")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("daily download quota exceeded")
	ErrNotFound         = errors.New("content item not found")

	// Credential errors
	ErrNoActiveCredential = errors.New("no active upstream credential")
)
