package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Line is one raw line of a streaming body, without the trailing newline.
// A Line with Err set is the last value before the channel closes.
type Line struct {
	Data []byte
	Err  error
}

// Stream is an open streaming response.
type Stream struct {
	lines  chan Line
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
	done   chan struct{}
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, span trace.Span, maxLine, buffer int) *Stream {
	s := &Stream{
		lines:  make(chan Line, buffer),
		cancel: cancel,
		body:   body,
		done:   make(chan struct{}),
	}
	go s.read(ctx, span, maxLine)
	return s
}

// Lines returns the line channel. It is closed when the body ends, a read fails
// or the stream is closed.
func (s *Stream) Lines() <-chan Line { return s.lines }

// Close stops reading and releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	<-s.done
	return err
}

func (s *Stream) read(ctx context.Context, span trace.Span, maxLine int) {
	defer close(s.done)
	defer close(s.lines)
	defer span.End()

	initial := 64 * 1024
	if initial > maxLine {
		initial = maxLine
	}
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, initial), maxLine)

	count := 0
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.lines <- Line{Data: data}:
			count++
		case <-ctx.Done():
			span.SetAttributes(attribute.Int("stream.lines", count))
			span.SetStatus(codes.Error, "closed")
			return
		}
	}
	span.SetAttributes(attribute.Int("stream.lines", count))

	err := scanner.Err()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if ctx.Err() != nil {
		// closed by the consumer; nobody is reading anymore
		span.SetStatus(codes.Error, "closed")
		return
	}
	var lineErr error
	if errors.Is(err, bufio.ErrTooLong) {
		lineErr = &Error{Kind: ErrLineTooLong, Err: err}
	} else {
		lineErr = transportError(err)
	}
	span.RecordError(lineErr)
	span.SetStatus(codes.Error, Classify(lineErr))
	select {
	case s.lines <- Line{Err: lineErr}:
	case <-ctx.Done():
	}
}
