package duo

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room full")
	ErrRequestConflict  = errors.New("join request already pending")
	ErrRequestCancelled = errors.New("join request cancelled")
	ErrRequestRejected  = errors.New("join request rejected")
	ErrHostDisconnected = errors.New("host disconnected")
	ErrIDCollision      = errors.New("room code collision")
	ErrTimeout          = errors.New("channel open timed out")
	ErrTransport        = errors.New("transport failure")
	ErrClosed           = errors.New("session destroyed")
)
