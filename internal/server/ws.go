package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"surveycoder/internal/domain"
	"surveycoder/internal/runner"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from arbitrary hosts during fieldwork; auth lives at
	// the network layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans one run's progress events out to every websocket subscriber of a
// session.
type hub struct {
	mu   sync.Mutex
	subs map[chan domain.ProgressEvent]bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan domain.ProgressEvent]bool)}
}

func (h *hub) subscribe() chan domain.ProgressEvent {
	ch := make(chan domain.ProgressEvent, 64)
	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan domain.ProgressEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast never blocks; a subscriber that stopped draining loses frames and
// falls back to polling the progress endpoint.
func (h *hub) broadcast(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) hubFor(id string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[id]
	if !ok {
		h = newHub()
		s.hubs[id] = h
	}
	return h
}

func (s *Server) dropHub(id string) {
	s.mu.Lock()
	if stop := s.monitors[id]; stop != nil {
		close(stop)
	}
	delete(s.monitors, id)
	delete(s.hubs, id)
	s.mu.Unlock()
}

// watch drains the processor's event stream into the session hub and fires
// the completion notifier. One watcher per run; starting a new run replaces
// the previous watcher.
func (s *Server) watch(id string, proc *runner.Processor) {
	h := s.hubFor(id)

	s.mu.Lock()
	if old := s.monitors[id]; old != nil {
		close(old)
	}
	stop := make(chan struct{})
	s.monitors[id] = stop
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-proc.Events():
				h.broadcast(ev)
				switch ev.Type {
				case domain.EventComplete:
					if ev.Summary != nil {
						s.notifier.RunCompleted(id, *ev.Summary)
					}
					return
				case domain.EventError:
					s.notifier.RunFailed(id, ev.Message)
				}
			}
		}
	}()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	h := s.hubFor(sess.ID)
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Late joiners get a snapshot so the UI renders without waiting for the
	// next row to finish.
	sess.Mu.Lock()
	proc := sess.Processor
	sess.Mu.Unlock()
	if proc != nil {
		st := proc.State()
		snapshot := domain.ProgressEvent{
			Type:          domain.EventStatus,
			Status:        st.Status,
			Progress:      st.Progress(),
			CurrentColumn: st.CurrentColumn,
			Message:       st.LastError,
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
