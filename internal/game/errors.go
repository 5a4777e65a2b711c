package game

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrNotHost            = errors.New("not host")
	ErrStartNotPermitted  = errors.New("start not permitted")
	ErrWrongPhase         = errors.New("wrong phase for action")
	ErrAlreadySubmitted   = errors.New("already submitted")
	ErrInvalidChoice      = errors.New("invalid choice")
	ErrUnknownParticipant = errors.New("unknown participant")
)
