package domain

import "errors"

var (
	ErrMissingRoomID   = errors.New("room id is required")
	ErrMissingUsername = errors.New("username is required")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosed      = errors.New("room is closed")
	ErrNotMember       = errors.New("socket is not a member of the room")
	ErrGatewayStopped  = errors.New("gateway is not running")

	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidRequest = errors.New("invalid execution request")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidConversation  = errors.New("invalid conversation")
)
