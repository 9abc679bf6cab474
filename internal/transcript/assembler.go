// Package transcript assembles incremental transcription deltas into
// role-tagged display lines.
//
// The live endpoint streams two independent transcriptions: what it heard
// the user say and what the model is saying. Both arrive as small text
// deltas. The [Assembler] merges consecutive deltas of the same role into a
// single growing [Line] and starts a new line whenever the role changes or a
// status line is inserted. No sentence or turn detection is attempted.
//
// Lines are append-only: text already appended is never rewritten, removed
// or reordered.
package transcript

import (
	"sync"
)

// Role identifies who a transcript line belongs to.
type Role string

const (
	// RoleUser tags text recognised from the microphone.
	RoleUser Role = "user"

	// RoleModel tags text of the model's spoken reply.
	RoleModel Role = "model"

	// RoleInfo tags status lines such as "Connecting...". An info line never
	// merges with another line.
	RoleInfo Role = "info"
)

// Line is one displayed transcript line.
type Line struct {
	// Index is the zero-based position of the line in the sequence.
	Index int `json:"index"`

	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Update describes the effect of one Append or Info call.
type Update struct {
	// Line is a snapshot of the line after the update.
	Line Line

	// Created is true when the update started a new line rather than
	// extending the previous one.
	Created bool
}

// Assembler merges transcription deltas into lines. It is safe for
// concurrent use; each call is applied atomically so deltas of the same role
// never interleave.
type Assembler struct {
	mu    sync.Mutex
	lines []Line
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{}
}

// Append adds delta for role. If the most recent line has the same role the
// delta is appended to it, otherwise a new line is started. Empty deltas are
// ignored and report ok == false. Info deltas always start a new line.
func (a *Assembler) Append(role Role, delta string) (u Update, ok bool) {
	if delta == "" {
		return Update{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if role != RoleInfo && len(a.lines) > 0 {
		last := &a.lines[len(a.lines)-1]
		if last.Role == role {
			last.Text += delta
			return Update{Line: *last}, true
		}
	}

	l := Line{Index: len(a.lines), Role: role, Text: delta}
	a.lines = append(a.lines, l)
	return Update{Line: l, Created: true}, true
}

// Info inserts a status line. It always starts a new line, and the next
// delta of any role starts another one.
func (a *Assembler) Info(text string) (Update, bool) {
	return a.Append(RoleInfo, text)
}

// Lines returns a copy of all lines in order.
func (a *Assembler) Lines() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// Len returns the number of lines.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

// Reset discards all lines.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = nil
}
