// Package relay forwards a streamed chatflow answer to the caller chunk by chunk
// while accumulating the full text for the turn record.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tokligence/chatflow-gateway/internal/metrics"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

// State is the relay's position in its lifecycle.
type State string

const (
	StateAwaitingFirstChunk State = "awaiting_first_chunk"
	StateStreaming          State = "streaming"
	StateCompleted          State = "completed"
	StateErrored            State = "errored"
	StateTimedOut           State = "timed_out"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateTimedOut
}

const (
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxMalformedRun = 512
)

var (
	// ErrClientGone means the caller disconnected or a write to it failed.
	ErrClientGone = errors.New("relay: client gone")
	// ErrUpstreamClosed means the stream ended before message_end.
	ErrUpstreamClosed = errors.New("relay: upstream closed before completion")
	// ErrIdleTimeout means no line arrived within the idle timeout.
	ErrIdleTimeout = errors.New("relay: idle timeout")
	// ErrMalformedRun means too many consecutive lines could not be parsed.
	ErrMalformedRun = errors.New("relay: too many malformed chunks")
	// ErrUpstreamEvent wraps an error event reported by the upstream.
	ErrUpstreamEvent = errors.New("relay: upstream error event")
)

// Emitter writes to the downstream client.
type Emitter interface {
	// Fragment sends one answer fragment.
	Fragment(text string) error
	// Error sends the terminal error event.
	Error(message string) error
}

// Result is what a Run ended with.
type Result struct {
	State           State
	Answer          string
	ConversationRef string
	Err             error
	Fragments       int
}

// Config holds relay settings.
type Config struct {
	IdleTimeout time.Duration
	// MaxMalformedRun bounds consecutive unparseable data lines. 0 disables the bound.
	MaxMalformedRun int
	Logger          *log.Logger
	Metrics         *metrics.Collector
	Debug           bool
}

// Relay runs stream relays. It holds no per-stream state and is safe for concurrent use.
type Relay struct {
	cfg    Config
	logger *log.Logger
}

// New returns a Relay. A zero IdleTimeout takes the default.
func New(cfg Config) *Relay {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxMalformedRun < 0 {
		cfg.MaxMalformedRun = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Relay{cfg: cfg, logger: logger}
}

type chunk struct {
	Event          string          `json:"event"`
	Answer         json.RawMessage `json:"answer"`
	ConversationID string          `json:"conversation_id"`
	Message        string          `json:"message"`
	Code           string          `json:"code"`
	Status         int             `json:"status"`
}

type run struct {
	relay     *Relay
	emit      Emitter
	state     State
	buf       strings.Builder
	ref       string
	fragments int
	malformed int
}

// Run consumes lines until a terminal state and returns the result. It never
// panics and never returns an error separately: failures are in Result.Err.
// finish, when non-nil, is called exactly once with the result before Run returns.
func (r *Relay) Run(ctx context.Context, lines <-chan upstream.Line, emit Emitter, finish func(Result)) (res Result) {
	st := &run{relay: r, emit: emit, state: StateAwaitingFirstChunk}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("relay panic: %v\n%s", p, debug.Stack())
			res = st.result(StateErrored, fmt.Errorf("relay: panic: %v", p))
			func() {
				defer func() { _ = recover() }()
				st.emitError("internal error")
			}()
		}
		r.cfg.Metrics.RecordRelay(string(res.State), res.Fragments)
		if finish != nil {
			finish(res)
		}
	}()
	return st.loop(ctx, lines)
}

func (st *run) loop(ctx context.Context, lines <-chan upstream.Line) Result {
	idle := time.NewTimer(st.relay.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return st.result(StateErrored, fmt.Errorf("%w: %v", ErrClientGone, ctx.Err()))
		case <-idle.C:
			st.emitError("upstream idle timeout")
			return st.result(StateTimedOut, ErrIdleTimeout)
		case line, ok := <-lines:
			if !ok {
				st.emitError("upstream closed the stream")
				return st.result(StateErrored, ErrUpstreamClosed)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(st.relay.cfg.IdleTimeout)

			if line.Err != nil {
				st.emitError(errorMessage(line.Err))
				return st.result(StateErrored, line.Err)
			}
			if done, res := st.handle(line.Data); done {
				return res
			}
		}
	}
}

// handle processes one line and reports whether the relay reached a terminal state.
func (st *run) handle(raw []byte) (bool, Result) {
	payload, ok := dataPayload(raw)
	if !ok {
		return false, Result{}
	}
	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		st.malformed++
		if st.relay.cfg.Debug {
			st.relay.logger.Printf("skipping malformed chunk: %v", err)
		}
		if limit := st.relay.cfg.MaxMalformedRun; limit > 0 && st.malformed > limit {
			st.emitError("upstream sent malformed data")
			return true, st.result(StateErrored, ErrMalformedRun)
		}
		return false, Result{}
	}
	st.malformed = 0

	if st.ref == "" && c.ConversationID != "" {
		st.ref = c.ConversationID
	}
	if c.Event == "error" {
		msg := c.Message
		if msg == "" {
			msg = "upstream error"
		}
		st.emitError(msg)
		return true, st.result(StateErrored, fmt.Errorf("%w: %s (code=%s, status=%d)", ErrUpstreamEvent, msg, c.Code, c.Status))
	}
	if !strings.Contains(c.Event, "message") {
		return false, Result{}
	}
	if c.Event == "message_end" {
		return true, st.result(StateCompleted, nil)
	}

	text := answerText(c.Answer)
	if text == "" {
		return false, Result{}
	}
	st.state = StateStreaming
	st.buf.WriteString(text)
	if err := st.emit.Fragment(text); err != nil {
		return true, st.result(StateErrored, fmt.Errorf("%w: %v", ErrClientGone, err))
	}
	st.fragments++
	return false, Result{}
}

func (st *run) result(state State, err error) Result {
	st.state = state
	return Result{
		State:           state,
		Answer:          st.buf.String(),
		ConversationRef: st.ref,
		Err:             err,
		Fragments:       st.fragments,
	}
}

// emitError sends the terminal error event once. Write failures are ignored: the
// client is gone and the outcome is already decided.
func (st *run) emitError(msg string) {
	if st.emit == nil {
		return
	}
	if err := st.emit.Error(msg); err != nil && st.relay.cfg.Debug {
		st.relay.logger.Printf("error event not delivered: %v", err)
	}
	st.emit = nil
}

var sseFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:"), []byte(":")}

// dataPayload extracts the JSON candidate from a raw line. Blank lines and SSE
// field lines other than data yield false.
func dataPayload(raw []byte) ([]byte, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		rest = bytes.TrimSpace(rest)
		return rest, len(rest) > 0
	}
	for _, f := range sseFields {
		if bytes.HasPrefix(line, f) {
			return nil, false
		}
	}
	return line, true
}

func answerText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(raw)
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, upstream.ErrLineTooLong):
		return "upstream chunk too large"
	case errors.Is(err, upstream.ErrTimeout):
		return "upstream timeout"
	default:
		return "upstream connection lost"
	}
}
