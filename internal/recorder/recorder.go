// Package recorder performs the single durable write of a finished turn. Writes
// can be made inline with Record or handed to a pool of background workers with
// Submit; Close drains the pool with a bounded wait.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/chatflow-gateway/internal/answer"
	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("recorder: closed")

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("recorder: queue full")

// Completion is everything known about a turn once it reached its terminal state.
type Completion struct {
	// SessionID owns the turn; SessionRef is the session's handle as loaded at
	// the start of the turn (empty if none was adopted yet).
	SessionID  string
	SessionRef string
	// CapturedRef is the conversation handle seen during this turn, if any.
	CapturedRef string
	Turn        conversation.Turn
	Outcome     conversation.Outcome
	RawOutput   string
	Answer      answer.Answer
	Err         error
	FinishedAt  time.Time
}

// Config configures the worker pool.
type Config struct {
	Workers      int           // parallel writers (default: 4)
	Buffer       int           // queued completions before Submit drops (default: 1024)
	WriteTimeout time.Duration // per-write deadline (default: 10s)
	Logger       *log.Logger
	Metrics      *metrics.Collector
}

// Recorder writes turns to a conversation.Store.
type Recorder struct {
	store   conversation.Store
	cfg     Config
	logger  *log.Logger
	queue   chan Completion
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	base    context.Context
	abandon context.CancelFunc
	pending atomic.Int64
}

// New starts the workers.
func New(store conversation.Store, cfg Config) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	base, abandon := context.WithCancel(context.Background())
	r := &Recorder{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan Completion, cfg.Buffer),
		base:    base,
		abandon: abandon,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	logger.Printf("started %d worker(s), buffer=%d, write_timeout=%v", cfg.Workers, cfg.Buffer, cfg.WriteTimeout)
	return r
}

// Record adopts the captured conversation handle when the session has none, then
// finishes and inserts the turn. Nothing is retried; failures are logged, counted
// and returned.
func (r *Recorder) Record(ctx context.Context, c Completion) error {
	var errs []error
	if c.CapturedRef != "" && c.SessionRef == "" && c.SessionID != "" {
		adopted, err := r.store.AdoptConversationRef(ctx, c.SessionID, c.CapturedRef)
		switch {
		case err != nil:
			r.logger.Printf("session %s: adopt conversation ref failed: %v", c.SessionID, err)
			errs = append(errs, fmt.Errorf("adopt conversation ref: %w", err))
		case !adopted:
			r.logger.Printf("session %s: conversation ref already set, keeping existing", c.SessionID)
		}
	}

	turn := finishTurn(c)
	if err := r.store.InsertTurn(ctx, turn); err != nil {
		r.logger.Printf("turn %s (session %s): insert failed: %v", turn.ID, turn.SessionID, err)
		errs = append(errs, fmt.Errorf("insert turn: %w", err))
	}

	if len(errs) > 0 {
		r.cfg.Metrics.RecordWrite("error")
		return errors.Join(errs...)
	}
	r.cfg.Metrics.RecordWrite("ok")
	return nil
}

func finishTurn(c Completion) conversation.Turn {
	turn := c.Turn
	if turn.SessionID == "" {
		turn.SessionID = c.SessionID
	}
	turn.RawOutput = c.RawOutput
	turn.RenderedAnswer = c.Answer.JSON()
	if c.Err != nil {
		turn.ErrorMessage = c.Err.Error()
	}
	at := c.FinishedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	outcome := c.Outcome
	if outcome == "" {
		outcome = conversation.OutcomeErrored
	}
	turn.Finish(outcome, at)
	return turn
}

// Submit queues c for a background write without blocking. It fails with
// ErrQueueFull or ErrClosed; the completion is then dropped.
func (r *Recorder) Submit(c Completion) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Printf("WARNING: recorder closed, dropping turn of session %s", c.SessionID)
		r.cfg.Metrics.RecordWrite("dropped")
		return ErrClosed
	}
	select {
	case r.queue <- c:
		r.pending.Add(1)
		r.cfg.Metrics.AddInflight(1)
		return nil
	default:
		r.logger.Printf("WARNING: queue full, dropping turn of session %s", c.SessionID)
		r.cfg.Metrics.RecordWrite("dropped")
		return ErrQueueFull
	}
}

// Pending returns the number of queued or in-progress background writes.
func (r *Recorder) Pending() int { return int(r.pending.Load()) }

func (r *Recorder) worker(id int) {
	defer r.wg.Done()
	for c := range r.queue {
		if r.base.Err() != nil {
			r.done()
			continue
		}
		ctx, cancel := context.WithTimeout(r.base, r.cfg.WriteTimeout)
		if err := r.Record(ctx, c); err != nil {
			r.logger.Printf("worker-%d: turn of session %s not recorded", id, c.SessionID)
		}
		cancel()
		r.done()
	}
}

func (r *Recorder) done() {
	r.pending.Add(-1)
	r.cfg.Metrics.AddInflight(-1)
}

// Close stops accepting work and waits for queued writes until ctx ends. It
// returns how many writes were abandoned when the wait ran out.
func (r *Recorder) Close(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.abandon()
		return 0, nil
	case <-ctx.Done():
		abandoned := r.Pending()
		r.abandon()
		r.logger.Printf("WARNING: shutdown deadline reached, abandoning %d turn write(s)", abandoned)
		for i := 0; i < abandoned; i++ {
			r.cfg.Metrics.RecordWrite("abandoned")
		}
		return abandoned, ctx.Err()
	}
}
