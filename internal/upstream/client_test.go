package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingPayload() map[string]any {
	return map[string]any{"query": "hi", "user": "u-1", "response_mode": "blocking", "inputs": map[string]any{}}
}

func streamingPayload() map[string]any {
	return map[string]any{"query": "hi", "user": "u-1", "response_mode": "streaming", "inputs": map[string]any{}}
}

func TestPostMergesHeadersAndDecodes(t *testing.T) {
	var gotAuth, gotType, gotDefault string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotDefault = r.Header.Get("X-Default")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"hello","conversation_id":"c-1"}`))
	}))
	defer srv.Close()

	client := New(Config{Headers: map[string]string{"X-Default": "d", "Authorization": "Bearer default"}})
	resp, err := client.Post(context.Background(), srv.URL, blockingPayload(), map[string]string{"Authorization": "Bearer app-key"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hello", resp.Body["answer"])
	assert.Equal(t, "Bearer app-key", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "d", gotDefault)
	assert.Equal(t, "hi", gotBody["query"])
	assert.JSONEq(t, `{"answer":"hello","conversation_id":"c-1"}`, string(resp.Raw))
}

func TestPostRejectsWrongMode(t *testing.T) {
	client := New(Config{})
	_, err := client.Post(context.Background(), "http://127.0.0.1:1", streamingPayload(), nil)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = client.Stream(context.Background(), "http://127.0.0.1:1", blockingPayload(), nil)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPostNon2xxIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"invalid_param"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Config{}).Post(context.Background(), srv.URL, blockingPayload(), nil)
	require.ErrorIs(t, err, ErrProtocol)
	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusBadRequest, upErr.Status)
	assert.Contains(t, upErr.Body, "invalid_param")
	assert.Equal(t, "protocol", Classify(err))
}

func TestPostInvalidJSONIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	resp, err := New(Config{}).Post(context.Background(), srv.URL, blockingPayload(), nil)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, "not json", string(resp.Raw))
}

func TestPostTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := New(Config{BlockingTimeout: 50 * time.Millisecond})
	_, err := client.Post(context.Background(), srv.URL, blockingPayload(), nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPostConnectError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{}).Post(context.Background(), url, blockingPayload(), nil)
	require.ErrorIs(t, err, ErrConnect)
}

func TestStreamYieldsLinesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"event\":\"message\",\"answer\":\"%d\"}\n\n", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	stream, err := New(Config{}).Stream(context.Background(), srv.URL, streamingPayload(), nil)
	require.NoError(t, err)
	defer stream.Close()

	var data []string
	for line := range stream.Lines() {
		require.NoError(t, line.Err)
		if len(line.Data) > 0 {
			data = append(data, string(line.Data))
		}
	}
	require.Len(t, data, 3)
	for i, d := range data {
		assert.True(t, strings.HasSuffix(d, fmt.Sprintf("\"answer\":\"%d\"}", i)), d)
	}
}

func TestStreamStatusFailsBeforeLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	stream, err := New(Config{}).Stream(context.Background(), srv.URL, streamingPayload(), nil)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Nil(t, stream)
}

func TestStreamLineTooLong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: ok\n"))
		_, _ = w.Write([]byte("data: " + strings.Repeat("x", 4096) + "\n"))
	}))
	defer srv.Close()

	stream, err := New(Config{MaxLineBytes: 256}).Stream(context.Background(), srv.URL, streamingPayload(), nil)
	require.NoError(t, err)
	defer stream.Close()

	var last Line
	n := 0
	for line := range stream.Lines() {
		last = line
		n++
	}
	assert.Equal(t, 2, n)
	require.ErrorIs(t, last.Err, ErrLineTooLong)
}

func TestStreamCloseStopsReader(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: first\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	stream, err := New(Config{}).Stream(context.Background(), srv.URL, streamingPayload(), nil)
	require.NoError(t, err)

	first := <-stream.Lines()
	assert.Equal(t, "data: first", string(first.Data))

	closed := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	for range stream.Lines() {
	}
	require.NoError(t, stream.Close())
}
