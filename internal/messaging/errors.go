package messaging

import "errors"

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrTooLong        = errors.New("message is too long")
	ErrSendFailed     = errors.New("message could not be sent")
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrNoConversation = errors.New("no conversation is open")
)
