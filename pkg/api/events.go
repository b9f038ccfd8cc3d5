package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/todosync/pkg/engine"
)

// events upgrades to a websocket and streams engine events, starting with the current state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.backend.Subscribe(eventBuffer)
	defer unsubscribe()

	st, err := s.backend.ListAll(r.Context())
	if err != nil {
		s.respond(w, nil, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade")
		return
	}
	defer conn.Close()

	// the client never sends anything we need; reading only notices when it goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeEvent(conn, engine.Event{Type: engine.StateUpdated, State: &st}); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev engine.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug().Err(err).Msg("event stream closed")
		return err
	}
	return nil
}
