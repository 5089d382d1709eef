package ui

import (
	"encoding/json"
	"net/http"
	"sync"
)

// doneFrame terminates the stream after the final event.
const doneFrame = "data: [DONE]\n\n"

// SSEWriter streams UI events as server-sent-event frames. Once a write
// fails the writer degrades to a silent sink: the agent keeps running and
// later events are discarded.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	broken  bool
}

// NewSSEWriter prepares the response for event streaming and writes the
// stream headers.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Vercel-AI-UI-Message-Stream", "v1")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event frame. Marshal or write failures silence the writer.
func (s *SSEWriter) Send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.write("data: " + string(data) + "\n\n")
}

// Close writes the stream terminator.
func (s *SSEWriter) Close() {
	s.write(doneFrame)
}

func (s *SSEWriter) write(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		s.broken = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// NullSink discards every event. Used for scheduled-task turns that have no
// attached client.
type NullSink struct{}

func (NullSink) Send(Event) {}
