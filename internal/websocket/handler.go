// Package websocket streams runtime events to local subscribers over a
// WebSocket connection: the transport half of the runtime event bus.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nebolabs/nebo/internal/events"
	"github.com/nebolabs/nebo/internal/logging"
	"github.com/nebolabs/nebo/internal/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback only; cross-origin browser pages
		// still cannot read responses without this allowance.
		return true
	},
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades the connection and forwards runtime events until the
// client disconnects. A sessionId query parameter narrows the stream to one
// session's events.
func Handler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnf("websocket: upgrade: %v", err)
			return
		}
		defer conn.Close()

		topic := events.TopicRuntime
		if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
			topic = events.SessionTopic(sessionID)
		}

		// writeMu serializes writes: the events package may call the
		// handler concurrently, and the ping loop writes too.
		var writeMu sync.Mutex
		write := func(ev runtime.RuntimeEvent) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return conn.WriteMessage(websocket.TextMessage, payload)
		}

		done := make(chan struct{})
		var closeOnce sync.Once
		finish := func() { closeOnce.Do(func() { close(done) }) }

		sub := events.Subscribe(rt.Bus(), topic, func(ctx context.Context, ev runtime.RuntimeEvent) error {
			if err := write(ev); err != nil {
				finish()
			}
			return nil
		})
		defer sub.Unsubscribe()

		// Reader loop: we accept no client messages but need it to detect
		// close frames.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					finish()
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}
