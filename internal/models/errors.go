package models

import "errors"

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrChatClosed      = errors.New("chat closed")
	ErrStaleIndex      = errors.New("message index is stale")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrInvalidRole     = errors.New("invalid sender role")
	ErrInvalidName     = errors.New("visitor name is required")
	ErrMessageTooLong  = errors.New("message text is too long")
)
