package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket stream of run stats. Clients send {"type":"subscribe","id":...,
// "runId":...} and receive {"type":"next","id":...,"payload":{...}} frames
// until the run finishes or they send {"type":"complete","id":...}.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunStatsWSHandler handles /v1/ws
func (s *Server) RunStatsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		runID string
		ch    chan SSEEvent
	}
	var smu sync.Mutex
	subs := map[string]sub{}
	// unsubscribe releases the broker channel exactly once, whether the run
	// finished, the client sent complete, or the connection is closing.
	unsubscribe := func(id string) {
		smu.Lock()
		s0, ok := subs[id]
		if ok {
			delete(subs, id)
		}
		smu.Unlock()
		if ok {
			s.Broker.Unsubscribe(s0.runID, s0.ch)
		}
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// Pings and run fanout write from their own goroutines.
	var wmu sync.Mutex
	write := func(v any) error { wmu.Lock(); defer wmu.Unlock(); return conn.WriteJSON(v) }

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.RunID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"runId required"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			if _, err := s.Store.GetRun(r.Context(), msg.RunID); err != nil {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"run not found"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			ch := s.Broker.Subscribe(msg.RunID)
			smu.Lock()
			subs[msg.ID] = sub{runID: msg.RunID, ch: ch}
			smu.Unlock()
			go func(id string, c chan SSEEvent) {
				for evt := range c {
					payload, _ := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
					if evt.Type == "completed" || evt.Type == "abandoned" {
						break
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
				unsubscribe(id)
			}(msg.ID, ch)
		case "complete":
			unsubscribe(msg.ID)
		default:
			// ignore
		}
	}
	smu.Lock()
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	smu.Unlock()
	for _, id := range ids {
		unsubscribe(id)
	}
}
