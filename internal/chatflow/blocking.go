package chatflow

import (
	"context"

	"github.com/tokligence/chatflow-gateway/internal/answer"
	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/recorder"
)

// Reply is the outcome of a blocking turn.
type Reply struct {
	SessionID      string
	TurnID         string
	ConversationID string
	Answer         answer.Answer
	// Err is the upstream failure, if any. The turn is recorded either way.
	Err error
}

// Ask runs a blocking turn. The returned error covers failures before the
// upstream was called; upstream failures are reported in Reply.Err.
func (s *Service) Ask(ctx context.Context, req Request) (Reply, error) {
	req.ResponseMode = conversation.ModeBlocking
	ex, err := s.prepare(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{SessionID: ex.session.ID, TurnID: ex.turn.ID}

	resp, err := s.cfg.Upstream.Post(ctx, ex.api.URL, ex.payload, ex.api.Headers)
	if err != nil {
		s.logger.Printf("api %s: blocking turn %s failed: %v", ex.api.Code, ex.turn.ID, err)
		reply.Answer = answer.NotFound()
		reply.Err = err
		s.submit(ex, recorder.Completion{
			Outcome:   outcomeOf(err),
			RawOutput: string(resp.Raw),
			Answer:    reply.Answer,
			Err:       err,
		})
		return reply, nil
	}

	ref, _ := resp.Body["conversation_id"].(string)
	reply.ConversationID = ref
	if reply.ConversationID == "" {
		reply.ConversationID = ex.session.ConversationRef
	}
	reply.Answer = answer.FromResponse(resp.Body)
	s.debugf("api %s: turn %s answered with %s", ex.api.Code, ex.turn.ID, reply.Answer.Kind)

	s.submit(ex, recorder.Completion{
		CapturedRef: ref,
		Outcome:     conversation.OutcomeCompleted,
		RawOutput:   string(resp.Raw),
		Answer:      reply.Answer,
	})
	return reply, nil
}
