package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsMessage is the wire frame shared with the SSE transport's payloads.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ServeWebSocket streams a subscription over a WebSocket. The protocol is
// the same event/data pairing as SSE, framed as JSON text messages.
func ServeWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, sub *Subscription, encode func(Event) (any, error)) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain reads so close frames and pings are processed.
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			payload, err := encode(event)
			if err != nil {
				continue
			}
			frame, err := json.Marshal(wsMessage{Event: string(event.Op), Data: payload})
			if err != nil {
				continue
			}

			writeCtx, cancel := context.WithTimeout(readCtx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
