package app

import "errors"

var (
	ErrChatNotFound      = errors.New("chat not found")
	ErrCharacterNotFound = errors.New("character not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrRunNotFound       = errors.New("run not found")
	// ErrRunAlreadyActive rejects a second concurrent turn for a chat.
	ErrRunAlreadyActive = errors.New("chat already has an active run")
	ErrEmptyMessage     = errors.New("message content required")
	// ErrNotRetryable rejects retry of anything but a user message whose
	// run failed or never produced an assistant reply.
	ErrNotRetryable = errors.New("message is not retryable")

	ErrConnectionNotFound = errors.New("connection not found")
	ErrLorebookNotFound   = errors.New("lorebook not found")
	ErrMCPServerNotFound  = errors.New("mcp server not found")
	ErrPersonaNotFound    = errors.New("persona not found")
	ErrPresetNotFound     = errors.New("static preset not found")
	// ErrValidation wraps rejected input; the message names the field.
	ErrValidation = errors.New("validation failed")
)
