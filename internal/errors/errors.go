package errors

import "errors"

// Authentication errors.
var (
	ErrMalformedToken = errors.New("malformed auth token")
	ErrTokenExpired   = errors.New("auth token expired")
	ErrAuthRejected   = errors.New("authentication rejected")
)

// Local mutation errors, returned directly from the call that caused them.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrStorageNotLoaded = errors.New("storage not loaded")
	ErrNodeNotFound     = errors.New("node not found")
	ErrRoomClosed       = errors.New("room closed")
)

// Connection errors. These never surface from mutation calls; the room
// reports them through status and error events.
var (
	ErrTransportFailure  = errors.New("transport failure")
	ErrProtocolViolation = errors.New("protocol violation")
)
