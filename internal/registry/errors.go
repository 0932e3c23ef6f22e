package registry

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrDuplicateMeeting  = errors.New("session already exists for meeting")
	ErrParticipantClosed = errors.New("participant already left")
	ErrParticipantAbsent = errors.New("participant not found")
)
