package live

import (
	"time"

	"github.com/MrWong99/postvoz/internal/transcript"
)

// EventKind classifies a display event.
type EventKind string

const (
	// KindStatus reports a session state change.
	KindStatus EventKind = "status"

	// KindTranscript reports that a transcript line was created or grew.
	KindTranscript EventKind = "transcript"

	// KindNotice reports a non-fatal problem such as a dropped audio chunk.
	KindNotice EventKind = "notice"
)

// Event is one display-ready notification for UI surfaces.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	// State and Message are set for status events. State is the name of a
	// [State]; Message carries the error text when it is "failed", or the
	// start failure when it is "idle".
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`

	// Line is set for transcript events. Created distinguishes a new line
	// from growth of an existing one.
	Line    *transcript.Line `json:"line,omitempty"`
	Created bool             `json:"created,omitempty"`
}
