package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/RichardoC/branchpad/internal/relay"
)

// sseSink writes a relayed reply as a text/event-stream. Headers go out with
// the first write, so a request that fails before streaming can still get a
// plain JSON error.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

var _ relay.Sink = (*sseSink)(nil)

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) write(b []byte) error {
	s.start()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Chunk forwards a provider chunk byte for byte.
func (s *sseSink) Chunk(chunk []byte) error {
	return s.write(chunk)
}

func (s *sseSink) Terminal(frame relay.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode terminal frame: %w", err)
	}
	return s.write([]byte("data: " + string(payload) + "\n\n"))
}
