package bbb

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrMeetingNotFound  = errors.New("meeting not found")
	ErrNotConfigured    = errors.New("bbb api not configured")
)

// UpstreamError is a failed or rejected call to the BBB API.
type UpstreamError struct {
	Call       string
	StatusCode int    // HTTP status, 0 when the request never completed
	MessageKey string // BBB messageKey for FAILED responses
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.MessageKey != "":
		return fmt.Sprintf("bbb %s: %s", e.Call, e.MessageKey)
	case e.StatusCode != 0:
		return fmt.Sprintf("bbb %s: http %d", e.Call, e.StatusCode)
	default:
		return fmt.Sprintf("bbb %s: %v", e.Call, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }
