package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// eventStream writes Server-Sent Events and flushes after each one.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newEventStream sends the stream headers. It returns nil if w cannot flush.
func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}
}

// send writes v as the JSON data of one event.
func (s *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(event, string(data))
}

// raw writes data as one event. Every line gets its own "data:" prefix so a
// newline in the payload cannot end the event early.
func (s *eventStream) raw(event, data string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
