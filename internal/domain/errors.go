package domain

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed and expired credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when a valid identity may not join a room.
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidRoomID = errors.New("invalid room id")
)
