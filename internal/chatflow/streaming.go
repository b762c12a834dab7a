package chatflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokligence/chatflow-gateway/internal/answer"
	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/recorder"
	"github.com/tokligence/chatflow-gateway/internal/relay"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

// Stream runs a streaming turn, forwarding fragments to emit. The returned
// error covers failures before anything was emitted; once the upstream is
// contacted every outcome, including a failed connect, is in the Result and
// the client has received an error event where appropriate.
func (s *Service) Stream(ctx context.Context, req Request, emit relay.Emitter) (relay.Result, error) {
	req.ResponseMode = conversation.ModeStreaming
	ex, err := s.prepare(ctx, req)
	if err != nil {
		return relay.Result{}, err
	}

	stream, err := s.cfg.Upstream.Stream(ctx, ex.api.URL, ex.payload, ex.api.Headers)
	if err != nil {
		s.logger.Printf("api %s: stream for turn %s failed to open: %v", ex.api.Code, ex.turn.ID, err)
		if emitErr := emit.Error(ClientMessage(err)); emitErr != nil {
			s.debugf("error event not delivered: %v", emitErr)
		}
		res := relay.Result{State: relay.StateErrored, Err: err}
		if outcomeOf(err) == conversation.OutcomeTimedOut {
			res.State = relay.StateTimedOut
		}
		s.submit(ex, recorder.Completion{
			Outcome: outcomeOf(err),
			Answer:  answer.NotFound(),
			Err:     err,
		})
		return res, nil
	}
	defer stream.Close()

	return s.cfg.Relay.Run(ctx, stream.Lines(), emit, func(res relay.Result) {
		rendered := answer.NotFound()
		if res.Answer != "" {
			rendered = answer.FromText(res.Answer)
		}
		s.debugf("api %s: turn %s ended %s after %d fragment(s)", ex.api.Code, ex.turn.ID, res.State, res.Fragments)
		s.submit(ex, recorder.Completion{
			CapturedRef: res.ConversationRef,
			Outcome:     outcomeOfState(res.State),
			RawOutput:   res.Answer,
			Answer:      rendered,
			Err:         res.Err,
		})
	}), nil
}

func outcomeOfState(state relay.State) conversation.Outcome {
	switch state {
	case relay.StateCompleted:
		return conversation.OutcomeCompleted
	case relay.StateTimedOut:
		return conversation.OutcomeTimedOut
	default:
		return conversation.OutcomeErrored
	}
}

// ClientMessage is the caller-facing text for an upstream failure.
func ClientMessage(err error) string {
	var upErr *upstream.Error
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return "upstream timeout"
	case errors.As(err, &upErr) && upErr.Status != 0:
		return fmt.Sprintf("upstream returned status %d", upErr.Status)
	case errors.Is(err, upstream.ErrProtocol):
		return "upstream returned an invalid response"
	default:
		return "upstream unavailable"
	}
}
