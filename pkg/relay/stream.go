package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/pkg/llm"
	"github.com/papercomputeco/branchrelay/pkg/metrics"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Stream is a forward-only sequence of text deltas decoded from an upstream
// event stream. It is not safe for concurrent use.
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	idle    *idleTimer
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *metrics.Collector
	done    bool
}

func newStream(body io.ReadCloser, idle *idleTimer, cancel context.CancelFunc, logger *zap.Logger, collector *metrics.Collector) *Stream {
	return &Stream{
		body:    body,
		reader:  bufio.NewReader(body),
		idle:    idle,
		cancel:  cancel,
		logger:  logger,
		metrics: collector,
	}
}

// Next returns the next non-empty text delta. It returns io.EOF once the
// upstream sends the [DONE] sentinel or closes the connection. Malformed
// frames are skipped.
func (s *Stream) Next() (string, error) {
	for !s.done {
		line, err := s.reader.ReadString('\n')
		s.idle.reset()
		if err != nil && !errors.Is(err, io.EOF) {
			s.done = true
			return "", err
		}
		eof := err != nil

		if text, ok := s.decodeLine(line); ok {
			if eof {
				s.done = true
			}
			return text, nil
		}
		if eof {
			s.done = true
		}
	}
	return "", io.EOF
}

// decodeLine parses one line of the event stream. It reports false for
// lines that carry no text.
func (s *Stream) decodeLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}

	data := strings.TrimSpace(line[len(dataPrefix):])
	if data == doneSentinel {
		s.done = true
		return "", false
	}

	var chunk llm.StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.metrics.RecordSkippedFrame()
		s.logger.Debug("skipping malformed frame", zap.String("data", data), zap.Error(err))
		return "", false
	}

	text := chunk.Text()
	return text, text != ""
}

// Flusher is implemented by writers that buffer output, such as
// *bufio.Writer.
type Flusher interface {
	Flush() error
}

// WriteTo copies every delta to w, flushing after each one when w is a
// Flusher. Each delta is written before the next upstream line is read. It
// stops at the first write or flush error, which usually means the caller
// went away.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(Flusher)

	var written int64
	for {
		text, err := s.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		n, err := io.WriteString(w, text)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			if err := flusher.Flush(); err != nil {
				return written, err
			}
		}
		s.metrics.RecordChunk(n)
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	if s.body == nil {
		return nil
	}
	s.idle.stop()
	err := s.body.Close()
	s.cancel()
	s.body = nil
	return err
}
