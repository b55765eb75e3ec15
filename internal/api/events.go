package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sylvia/pkg/events"
)

// keepAlive is the interval of SSE comment frames on an idle stream.
const keepAlive = 15 * time.Second

type frame struct {
	ID     string       `json:"id"`
	Stream string       `json:"stream"`
	Type   events.Type  `json:"type"`
	At     time.Time    `json:"ts"`
	Event  events.Event `json:"event"`
}

// handleEventStream pushes every event appended in this process as an SSE
// frame. ?user= and ?stream= narrow the feed.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, 503, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	ch := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(200)
	flusher.Flush()

	user := r.URL.Query().Get("user")
	stream := r.URL.Query().Get("stream")

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Event == nil || (user != "" && env.Event.User() != user) || (stream != "" && env.Stream != stream) {
				continue
			}
			data, err := json.Marshal(frame{ID: env.ID, Stream: env.Stream, Type: env.Type(), At: env.At, Event: env.Event})
			if err != nil {
				s.log.Warn("encode sse frame", "id", env.ID, "err", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type(), data)
			flusher.Flush()
		}
	}
}
