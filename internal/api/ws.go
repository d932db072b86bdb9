package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/broadcast"
)

const pingInterval = 30 * time.Second

// tagValueWire is one tag's entry in a tagValues event's data map, keyed
// by tag ID.
type tagValueWire struct {
	TagID     string    `json:"tagId"`
	TagName   string    `json:"tagName"`
	Value     *float64  `json:"value"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type messageTextWire struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type messageDataWire struct {
	Text        messageTextWire        `json:"text"`
	MessageType broadcast.MessageLevel `json:"messageType"`
}

// wireEvent is the JSON-framed message shape pushed to subscribed UI
// clients: {type, data, timestamp[, deviceId]}.
type wireEvent struct {
	Type      broadcast.EventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	DeviceID  string              `json:"deviceId,omitempty"`
	Data      interface{}         `json:"data"`
}

func toWireEvent(ev broadcast.Event) wireEvent {
	w := wireEvent{Type: ev.Type, Timestamp: ev.Timestamp}
	switch ev.Type {
	case broadcast.EventState:
		w.Data = ev.State
	case broadcast.EventTagValues:
		if ev.TagValues != nil {
			w.DeviceID = ev.TagValues.DeviceID
			data := make(map[string]tagValueWire, len(ev.TagValues.Values))
			for tagID, snap := range ev.TagValues.Values {
				data[tagID] = tagValueWire{
					TagID: snap.TagID, TagName: snap.TagName, Value: snap.Value,
					Error: snap.Error, Timestamp: snap.Timestamp,
				}
			}
			w.Data = data
		}
	case broadcast.EventMessage:
		if ev.Message != nil {
			w.Data = messageDataWire{
				Text:        messageTextWire{Title: ev.Message.Title, Description: ev.Message.Description},
				MessageType: ev.Message.Level,
			}
		}
	}
	return w
}

// handleWebSocket registers one Broadcaster Observer per connection and
// forwards its events as JSON text frames. The read/write pumps run in
// separate goroutines so a dead connection is detected and unregistered
// promptly instead of blocking on a write.
func (s *Server) handleWebSocket(conn *websocket.Conn) {
	observer := s.bc.Register()
	defer s.bc.Unregister(observer)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, observer, done)
}

func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, observer *broadcast.Observer, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case ev, ok := <-observer.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(toWireEvent(ev))
			if err != nil {
				s.log.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
