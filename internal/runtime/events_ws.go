package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/alexkroman/assembly-notes/internal/events"
)

// eventsHandler streams the versioned event envelopes to websocket
// observers. Each connection is one observer; a write failure marks it dead
// and the broadcaster skips it until it detaches.
type eventsHandler struct {
	broadcaster *events.Broadcaster
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

func newEventsHandler(broadcaster *events.Broadcaster, log *slog.Logger) *eventsHandler {
	return &eventsHandler{
		broadcaster: broadcaster,
		log:         log.With(slog.String("component", "events_ws")),
	}
}

type wsObserver struct {
	mu   sync.Mutex
	conn *websocket.Conn
	dead atomic.Bool
}

func (o *wsObserver) Alive() bool { return !o.dead.Load() }

func (o *wsObserver) Deliver(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead.Load() {
		return
	}
	if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		o.dead.Store(true)
	}
}

func (h *eventsHandler) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("events upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	observer := &wsObserver{conn: conn}
	detach := h.broadcaster.Attach(observer)
	defer detach()
	h.log.Info("event observer attached", slog.String("remote", conn.RemoteAddr().String()))

	// Drain the read side only to learn when the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	observer.dead.Store(true)
	h.log.Info("event observer detached", slog.String("remote", conn.RemoteAddr().String()))
}
