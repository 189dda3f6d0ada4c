package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexkroman/assembly-notes/internal/recording"
	"github.com/alexkroman/assembly-notes/internal/store"
)

// sessionHolder creates recording sessions on behalf of the control surface
// and hands the current one to the controller. Dictation sessions bypass it
// entirely.
type sessionHolder struct {
	store *store.Store
	clock func() time.Time

	mu      sync.Mutex
	current *recording.Session
}

func newSessionHolder(st *store.Store) *sessionHolder {
	return &sessionHolder{store: st, clock: time.Now}
}

// Create mints a new session id and its pending store row, and makes the
// session current.
func (h *sessionHolder) Create(ctx context.Context, title string) (*recording.Session, error) {
	sess := &recording.Session{
		ID:        uuid.New().String(),
		CreatedAt: h.clock(),
	}
	if h.store != nil {
		if err := h.store.CreateRecording(ctx, sess.ID, title); err != nil {
			return nil, err
		}
	}
	h.mu.Lock()
	h.current = sess
	h.mu.Unlock()
	return sess, nil
}

// Discard drops the session if it is still current, keeping a failed start
// from becoming the controller's next session.
func (h *sessionHolder) Discard(sess *recording.Session) {
	h.mu.Lock()
	if h.current == sess {
		h.current = nil
	}
	h.mu.Unlock()
}

func (h *sessionHolder) Current() *recording.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}
