package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/apierr"
)

const streamReadSize = 32 * 1024

var doneSentinel = []byte("[DONE]")

// Chunk is one decoded SSE data frame.
type Chunk struct {
	Data     []byte
	Usage    Usage
	HasUsage bool
}

// Stream is a pull iterator over an upstream SSE response.
// Next returns io.EOF at the [DONE] sentinel or end of body.
type Stream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	start   time.Time
	model   string
	buf     []byte
	readBuf []byte
	eof     bool
	done    bool
	ttft    time.Duration

	closeOnce sync.Once
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, start time.Time, model string) *Stream {
	return &Stream{
		body:    body,
		cancel:  cancel,
		start:   start,
		model:   model,
		readBuf: make([]byte, streamReadSize),
	}
}

// Model is the provider-facing model of the stream.
func (s *Stream) Model() string { return s.model }

// TTFT is the time from request start to the first data chunk (0 before it).
func (s *Stream) TTFT() time.Duration { return s.ttft }

// Next returns the next chunk. A chunk carrying an error field aborts the
// stream with a Provider error; it is never surfaced as content.
func (s *Stream) Next() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		if event, rest, ok := nextSSEEvent(s.buf, s.eof); ok {
			s.buf = rest
			data, isDone := eventData(event)
			if isDone {
				s.done = true
				return Chunk{}, io.EOF
			}
			if len(data) == 0 || !gjson.ValidBytes(data) {
				continue
			}
			if gjson.GetBytes(data, "error").Exists() {
				s.done = true
				return Chunk{}, apierr.Provider(ExtractErrorMessage(data), http.StatusBadGateway)
			}
			if s.ttft == 0 {
				s.ttft = time.Since(s.start)
			}
			usage := ParseUsage(data)
			return Chunk{Data: data, Usage: usage, HasUsage: gjson.GetBytes(data, "usage").IsObject()}, nil
		}
		if s.eof {
			s.done = true
			return Chunk{}, io.EOF
		}

		n, err := s.body.Read(s.readBuf)
		if n > 0 {
			s.buf = append(s.buf, s.readBuf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				continue
			}
			s.done = true
			return Chunk{}, mapTransportError(err)
		}
	}
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.cancel()
	})
	return err
}

// nextSSEEvent splits one event off buf. With flush, a trailing partial event
// is returned as well.
func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

// eventData joins the data: lines of an event. isDone reports the [DONE] sentinel.
func eventData(event []byte) (data []byte, isDone bool) {
	lines := bytes.Split(event, []byte("\n"))
	parts := make([][]byte, 0, 1)
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(payload, doneSentinel) {
			return nil, true
		}
		parts = append(parts, payload)
	}
	return bytes.Join(parts, []byte("\n")), false
}
