package recording

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// dictationPrefix marks sentinel session ids for the dictation sub-mode.
// Store-issued recording ids are bare UUIDs, so the prefix never collides.
const dictationPrefix = "dictation-"

// Session identifies one recording attempt. The core never creates normal
// sessions itself; the caller supplies one through the SessionSource.
type Session struct {
	ID        string
	CreatedAt time.Time
	StartedAt time.Time
	Dictation bool
}

// SessionSource hands the controller the caller-created current session.
type SessionSource interface {
	Current() *Session
}

// SessionSourceFunc adapts a function to a SessionSource.
type SessionSourceFunc func() *Session

func (f SessionSourceFunc) Current() *Session { return f() }

// newDictationSession builds the degenerate single-utterance session. It is
// never persisted.
func newDictationSession(now time.Time) *Session {
	return &Session{
		ID:        dictationPrefix + uuid.New().String(),
		CreatedAt: now,
		Dictation: true,
	}
}

// IsDictationID reports whether an id is a dictation sentinel.
func IsDictationID(id string) bool {
	return strings.HasPrefix(id, dictationPrefix)
}
