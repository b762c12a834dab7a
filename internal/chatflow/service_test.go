package chatflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/profile"
	"github.com/tokligence/chatflow-gateway/internal/recorder"
	"github.com/tokligence/chatflow-gateway/internal/registry"
	"github.com/tokligence/chatflow-gateway/internal/relay"
	"github.com/tokligence/chatflow-gateway/internal/storage/sqlite"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

type capturingRecorder struct {
	mu          sync.Mutex
	completions []recorder.Completion
}

func (c *capturingRecorder) Submit(comp recorder.Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, comp)
	return nil
}

func (c *capturingRecorder) all() []recorder.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recorder.Completion(nil), c.completions...)
}

type sseEmitter struct {
	fragments []string
	errors    []string
}

func (e *sseEmitter) Fragment(text string) error {
	e.fragments = append(e.fragments, text)
	return nil
}

func (e *sseEmitter) Error(message string) error {
	e.errors = append(e.errors, message)
	return nil
}

type fakeUpstream struct {
	t        *testing.T
	mu       sync.Mutex
	payloads []map[string]any
	auth     []string
	handler  http.HandlerFunc
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&payload))
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakeUpstream) lastPayload() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.payloads)
	return f.payloads[len(f.payloads)-1]
}

type harness struct {
	store    *sqlite.Store
	rec      *capturingRecorder
	upstream *fakeUpstream
	svc      *Service
}

func newHarness(t *testing.T, handler http.HandlerFunc, maxTurns int) *harness {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "chatflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := &fakeUpstream{t: t, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(srv.Close)

	require.NoError(t, store.UpsertAPI(context.Background(), registry.API{
		Code:    "faq",
		URL:     srv.URL + "/v1/chat-messages",
		Headers: map[string]string{"Authorization": "Bearer app-faq"},
	}))

	cache, err := profile.NewCache(profile.CacheTypeMemory)
	require.NoError(t, err)
	rec := &capturingRecorder{}
	svc, err := New(Config{
		APIs:            store,
		Conversations:   store,
		Profiles:        profile.NewEnsurer(store, cache, "test", nil),
		Upstream:        upstream.New(upstream.Config{BlockingTimeout: 2 * time.Second}),
		Relay:           relay.New(relay.Config{IdleTimeout: 500 * time.Millisecond, MaxMalformedRun: relay.DefaultMaxMalformedRun}),
		Recorder:        rec,
		SessionMaxTurns: maxTurns,
	})
	require.NoError(t, err)
	return &harness{store: store, rec: rec, upstream: fake, svc: svc}
}

func jsonReply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func sseReply(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			w.(http.Flusher).Flush()
		}
	}
}

func TestAskPlainTextAnswer(t *testing.T) {
	h := newHarness(t, jsonReply(`{"answer":"it's \"plain\" text","conversation_id":"c1"}`), 0)

	reply, err := h.svc.Ask(context.Background(), Request{APICode: "faq", Query: "hello?", User: "u-1"})
	require.NoError(t, err)
	require.NoError(t, reply.Err)
	assert.Equal(t, "it“s “plain“ text", reply.Answer.Text)
	assert.Equal(t, "c1", reply.ConversationID)

	payload := h.upstream.lastPayload()
	assert.Equal(t, "hello?", payload["query"])
	assert.Equal(t, "blocking", payload["response_mode"])
	assert.Equal(t, "", payload["conversation_id"])
	assert.Equal(t, "u-1", payload["user"])
	assert.Equal(t, map[string]any{}, payload["inputs"])
	assert.Equal(t, "Bearer app-faq", h.upstream.auth[0])

	comps := h.rec.all()
	require.Len(t, comps, 1)
	c := comps[0]
	assert.Equal(t, conversation.OutcomeCompleted, c.Outcome)
	assert.Equal(t, "c1", c.CapturedRef)
	assert.Equal(t, reply.SessionID, c.SessionID)
	assert.Equal(t, "faq", c.Turn.Carrier)
	assert.Equal(t, conversation.ModeBlocking, c.Turn.ResponseMode)
	assert.JSONEq(t, `{"answer":"it's \"plain\" text","conversation_id":"c1"}`, c.RawOutput)
	assert.Contains(t, c.Turn.RawRequest, `"query":"hello?"`)
}

func TestAskUsesSessionConversationRef(t *testing.T) {
	h := newHarness(t, jsonReply(`{"answer":"ok"}`), 0)
	ctx := context.Background()

	sess := conversation.NewSession("u-1")
	require.NoError(t, h.store.CreateSession(ctx, sess))
	_, err := h.store.AdoptConversationRef(ctx, sess.ID, "c0")
	require.NoError(t, err)

	_, err = h.svc.Ask(ctx, Request{APICode: "faq", Query: "q", User: "u-1", ConversationID: "caller"})
	require.NoError(t, err)
	assert.Equal(t, "c0", h.upstream.lastPayload()["conversation_id"])
	assert.Equal(t, "c0", h.rec.all()[0].SessionRef)

	// a different user without a session falls back to the caller's id
	_, err = h.svc.Ask(ctx, Request{APICode: "faq", Query: "q", User: "u-2", ConversationID: "caller"})
	require.NoError(t, err)
	assert.Equal(t, "caller", h.upstream.lastPayload()["conversation_id"])
}

func TestSessionRollover(t *testing.T) {
	h := newHarness(t, jsonReply(`{"answer":"ok"}`), 2)
	ctx := context.Background()

	first, err := h.svc.Ask(ctx, Request{APICode: "faq", Query: "q", User: "u-1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		turn := conversation.Turn{SessionID: first.SessionID, UserID: "u-1", ResponseMode: conversation.ModeBlocking, CreatedAt: time.Now().UTC()}
		turn.Finish(conversation.OutcomeCompleted, time.Now().UTC())
		require.NoError(t, h.store.InsertTurn(ctx, turn))
	}

	second, err := h.svc.Ask(ctx, Request{APICode: "faq", Query: "q", User: "u-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestAskUnknownAPI(t *testing.T) {
	h := newHarness(t, jsonReply(`{}`), 0)
	_, err := h.svc.Ask(context.Background(), Request{APICode: "nope", Query: "q", User: "u-1"})
	require.ErrorIs(t, err, ErrUnknownAPI)
	assert.Empty(t, h.upstream.payloads)
	assert.Empty(t, h.rec.all())
}

func TestAskRequiresUser(t *testing.T) {
	h := newHarness(t, jsonReply(`{}`), 0)
	_, err := h.svc.Ask(context.Background(), Request{APICode: "faq", Query: "q"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAskUpstreamFailureIsRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, 0)

	reply, err := h.svc.Ask(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"})
	require.NoError(t, err)
	require.ErrorIs(t, reply.Err, upstream.ErrProtocol)
	assert.True(t, reply.Answer.NotFound)
	assert.Equal(t, "upstream returned status 500", ClientMessage(reply.Err))

	comps := h.rec.all()
	require.Len(t, comps, 1)
	assert.Equal(t, conversation.OutcomeErrored, comps[0].Outcome)
	assert.Error(t, comps[0].Err)
}

func TestAskRegistersNewUser(t *testing.T) {
	h := newHarness(t, jsonReply(`{"answer":"ok"}`), 0)
	_, err := h.svc.Ask(context.Background(), Request{APICode: "faq", Query: "q", User: "u-new"})
	require.NoError(t, err)

	created, err := h.store.EnsureProfile(context.Background(), profile.Profile{UserID: "u-new"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStreamNormal(t *testing.T) {
	h := newHarness(t, sseReply(
		`data: {"event":"message","answer":"Hel","conversation_id":"c1"}`,
		`data: {"event":"message","answer":"lo"}`,
		`data: {"event":"message_end"}`,
	), 0)
	em := &sseEmitter{}

	res, err := h.svc.Stream(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"}, em)
	require.NoError(t, err)
	assert.Equal(t, relay.StateCompleted, res.State)
	assert.Equal(t, []string{"Hel", "lo"}, em.fragments)
	assert.Equal(t, "streaming", h.upstream.lastPayload()["response_mode"])

	comps := h.rec.all()
	require.Len(t, comps, 1)
	c := comps[0]
	assert.Equal(t, "Hello", c.RawOutput)
	assert.Equal(t, "c1", c.CapturedRef)
	assert.Equal(t, conversation.OutcomeCompleted, c.Outcome)
	assert.Equal(t, "Hello", c.Answer.Text)
	assert.Equal(t, conversation.ModeStreaming, c.Turn.ResponseMode)
}

func TestStreamErrorMidStreamRecordedOnce(t *testing.T) {
	h := newHarness(t, sseReply(
		`data: {"event":"message","answer":"Hi"}`,
		`data: {"event":"error","message":"rate limited"}`,
	), 0)
	em := &sseEmitter{}

	res, err := h.svc.Stream(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"}, em)
	require.NoError(t, err)
	assert.Equal(t, relay.StateErrored, res.State)
	assert.Equal(t, []string{"Hi"}, em.fragments)
	assert.Equal(t, []string{"rate limited"}, em.errors)

	comps := h.rec.all()
	require.Len(t, comps, 1)
	assert.Equal(t, "Hi", comps[0].RawOutput)
	assert.Equal(t, conversation.OutcomeErrored, comps[0].Outcome)
}

func TestStreamOpenFailure(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 0)
	em := &sseEmitter{}

	res, err := h.svc.Stream(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"}, em)
	require.NoError(t, err)
	assert.Equal(t, relay.StateErrored, res.State)
	require.ErrorIs(t, res.Err, upstream.ErrProtocol)
	assert.Empty(t, em.fragments)
	assert.Equal(t, []string{"upstream returned status 502"}, em.errors)
	require.Len(t, h.rec.all(), 1)
}

func TestStreamIdleTimeout(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, 0)
	em := &sseEmitter{}

	res, err := h.svc.Stream(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"}, em)
	require.NoError(t, err)
	assert.Equal(t, relay.StateTimedOut, res.State)
	assert.Len(t, em.errors, 1)

	comps := h.rec.all()
	require.Len(t, comps, 1)
	assert.Equal(t, conversation.OutcomeTimedOut, comps[0].Outcome)
	assert.True(t, comps[0].Answer.NotFound)
}

func TestStreamWithRecorderPersistsTurn(t *testing.T) {
	h := newHarness(t, sseReply(
		`data: {"event":"message","answer":"Hel","conversation_id":"c1"}`,
		`data: {"event":"message","answer":"lo"}`,
		`data: {"event":"message_end"}`,
	), 0)
	rec := recorder.New(h.store, recorder.Config{Workers: 2})
	h.svc.cfg.Recorder = rec

	res, err := h.svc.Stream(context.Background(), Request{APICode: "faq", Query: "q", User: "u-1"}, &sseEmitter{})
	require.NoError(t, err)
	require.Equal(t, relay.StateCompleted, res.State)

	abandoned, err := rec.Close(context.Background())
	require.NoError(t, err)
	require.Zero(t, abandoned)

	sess, err := h.store.LatestSession(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", sess.ConversationRef)

	turns, err := h.store.ListTurns(context.Background(), sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Hello", turns[0].RawOutput)
	assert.Equal(t, conversation.StatusSuccess, turns[0].Status)
	assert.JSONEq(t, `[{"type":"text","data":"Hello"}]`, turns[0].RenderedAnswer)
}
