package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 30 * time.Second

// ServeSSE streams a subscription as Server-Sent Events until the client
// disconnects or the subscription channel closes. Delivery is at-most-once;
// there is no replay on reconnect.
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription, encode func(Event) (any, error)) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			payload, err := encode(event)
			if err != nil {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Op, data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
