package completion

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/metrics"
)

var errStreamClosed = errors.New("event stream closed")

// eventStream serializes writes from the producer and the heartbeat onto
// one response body. Once the done envelope is written every further write
// is refused, including when a payload that failed to serialize was
// replaced by a done/error frame.
type eventStream struct {
	mu      sync.Mutex
	w       io.Writer
	f       http.Flusher
	closed  bool
	metrics *metrics.Metrics
}

func newEventStream(w io.Writer, m *metrics.Metrics) *eventStream {
	var f http.Flusher
	if fl, ok := w.(http.Flusher); ok {
		f = fl
	}
	return &eventStream{w: w, f: f, metrics: m}
}

func (s *eventStream) send(env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	b, event := envelope.EncodeFrame(env)
	if event == envelope.EventDone {
		s.closed = true
	}
	s.metrics.RecordEnvelope(string(event))
	return s.write(b)
}

func (s *eventStream) heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	s.metrics.RecordHeartbeat()
	return s.write(envelope.Heartbeat)
}

func (s *eventStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *eventStream) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
