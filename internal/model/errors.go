package model

import "errors"

// Common errors used across the application
var (
	// Room errors
	ErrCodeCollision    = errors.New("room code already in use")
	ErrRoomCreateFailed = errors.New("could not create room")
	ErrRoomNotFound     = errors.New("room not found")
	ErrInvalidRoomCode  = errors.New("room code must be four digits between 1000 and 9999")

	// Connection errors
	ErrConnectionTimedOut = errors.New("connection timed out")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrTransport          = errors.New("transport error")
	ErrNotConnected       = errors.New("no open link")

	// Session errors
	ErrDuplicateIdentity = errors.New("a player with that name is already in the room")
	ErrJoinRejected      = errors.New("join rejected by host")
	ErrPeerAbandoned     = errors.New("opponent left the match")
	ErrPeerClosed        = errors.New("host closed the connection")

	// Account errors
	ErrInvalidIdentity    = errors.New("identity requires an id and a display name")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotLoggedIn        = errors.New("not logged in")
)
