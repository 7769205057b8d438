package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	VehicleID string         `json:"vehicleId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// LiveWSHandler handles /v1/live/ws: a WebSocket feed of vehicle events
// (custody appends, excursions, risk changes). Clients send subscribe /
// unsubscribe messages carrying a vehicleId; events arrive tagged with the
// subscription id.
func (s *Server) LiveWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		vehicleID string
		ch        chan Event
		done      chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			close(sb.done)
			s.Broker.Unsubscribe(sb.vehicleID, sb.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// all writes funnel through one goroutine; it exits once the
	// connection errors, and subscription pumps bail out via done
	out := make(chan wsMessage, 16)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteJSON(wsMessage{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			out <- wsMessage{Type: "pong"}
		case "subscribe":
			if msg.ID == "" || msg.VehicleID == "" {
				out <- wsMessage{Type: "error", ID: msg.ID, Payload: map[string]any{"detail": "id and vehicleId required"}}
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				out <- wsMessage{Type: "error", ID: msg.ID, Payload: map[string]any{"detail": "duplicate subscription id"}}
				continue
			}
			ch := s.Broker.Subscribe(msg.VehicleID)
			done := make(chan struct{})
			subs[msg.ID] = sub{vehicleID: msg.VehicleID, ch: ch, done: done}
			out <- wsMessage{Type: "subscribed", ID: msg.ID}
			go func(id string) {
				for {
					select {
					case evt, ok := <-ch:
						if !ok {
							return
						}
						select {
						case out <- wsMessage{Type: "event", ID: id, Payload: map[string]any{"type": evt.Type, "data": evt.Data}}:
						case <-done:
							return
						}
					case <-done:
						return
					}
				}
			}(msg.ID)
		case "unsubscribe":
			if sb, ok := subs[msg.ID]; ok {
				close(sb.done)
				s.Broker.Unsubscribe(sb.vehicleID, sb.ch)
				delete(subs, msg.ID)
				out <- wsMessage{Type: "unsubscribed", ID: msg.ID}
			}
		}
	}
}
