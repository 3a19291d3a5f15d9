// Package main runs a demo WebSocket client for run statistics.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Register a small demo problem
	probBody := []byte(`{
        "name": "ws-demo",
        "depot": {"lat": -23.55, "lng": -46.63},
        "points": [
            {"id": 1, "name": "A", "location": {"lat": -23.56, "lng": -46.64}, "weightKg": 10, "volumeM3": 0.1, "priority": "high"},
            {"id": 2, "name": "B", "location": {"lat": -23.57, "lng": -46.65}, "weightKg": 20, "volumeM3": 0.2, "priority": "low"},
            {"id": 3, "name": "C", "location": {"lat": -23.54, "lng": -46.62}, "weightKg": 15, "volumeM3": 0.1, "priority": "medium"}
        ],
        "vehicles": [
            {"id": 1, "name": "Van", "type": "van", "capacityKg": 500, "capacityM3": 5, "autonomyKm": 300, "speedKph": 40}
        ]
    }`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/problems", bytes.NewReader(probBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	var prob struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&prob); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("Problem ID: %s", prob.ID)

	// Start a stepped run
	runBody := []byte(fmt.Sprintf(`{"problemId":%q,"params":{"populationSize":40,"generations":60,"seed":42}}`, prob.ID))
	req, _ = http.NewRequest(http.MethodPost, base+"/v1/runs", bytes.NewReader(runBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "admin")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	var run struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("Run ID: %s", run.ID)

	// Connect WS and subscribe to the run
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", RunID: run.ID}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "complete" {
				return
			}
		}
	}()

	// Drive generations so events flow over the socket
	time.Sleep(500 * time.Millisecond)
	stepReq, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/runs/%s/step", base, run.ID), bytes.NewReader([]byte(`{"generations":60}`)))
	stepReq.Header.Set("Content-Type", "application/json")
	stepReq.Header.Set("X-Role", "admin")
	if sr, err := http.DefaultClient.Do(stepReq); err == nil {
		_ = sr.Body.Close()
	}

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}
