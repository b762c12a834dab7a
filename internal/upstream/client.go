// Package upstream talks to Dify-style chatflow endpoints over HTTP. It performs
// blocking JSON calls and opens streaming calls whose body is exposed as a
// channel of raw lines; chunk content is interpreted by the relay, not here.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/chatflow-gateway/internal/metrics"
)

const (
	defaultBlockingTimeout       = 360 * time.Second
	defaultConnectTimeout        = 10 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
	defaultMaxLineBytes          = 1 << 20
	defaultLineBuffer            = 64
	maxBlockingBody              = 32 << 20
	errorBodyLimit               = 2048
)

var tracer = otel.Tracer("chatflow.upstream")

// Config holds the client settings. Zero values take defaults.
type Config struct {
	BlockingTimeout       time.Duration
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxLineBytes          int
	LineBuffer            int
	// Headers are sent on every call; per-call headers override them.
	Headers   map[string]string
	Logger    *log.Logger
	Metrics   *metrics.Collector
	Transport http.RoundTripper
}

// Client is safe for concurrent use. Build one with New and share it.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// Response is a decoded blocking answer.
type Response struct {
	Status int
	Body   map[string]any
	Raw    []byte
}

// New builds a Client, filling defaults.
func New(cfg Config) *Client {
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = defaultBlockingTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = defaultLineBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	return &Client{
		cfg: cfg,
		// No client-wide timeout: streams are bounded by the relay's idle timer
		// and blocking calls by a per-call context deadline.
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// Post performs a blocking call. payload must carry response_mode "blocking".
func (c *Client) Post(ctx context.Context, url string, payload map[string]any, headers map[string]string) (Response, error) {
	if err := checkMode(payload, "blocking"); err != nil {
		return Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BlockingTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "upstream.Post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url), attribute.String("response_mode", "blocking")),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.post(ctx, url, payload, headers)
	c.cfg.Metrics.RecordUpstream("blocking", time.Since(start), err, Classify)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
		c.logger.Printf("blocking call to %s failed: %v", url, err)
		return resp, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status), attribute.Int("response.bytes", len(resp.Raw)))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) post(ctx context.Context, url string, payload map[string]any, headers map[string]string) (Response, error) {
	req, err := c.newRequest(ctx, url, payload, headers, false)
	if err != nil {
		return Response{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBlockingBody))
	if err != nil {
		return Response{Status: resp.StatusCode}, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{Status: resp.StatusCode, Raw: raw}, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Body: truncate(string(raw), errorBodyLimit)}
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Response{Status: resp.StatusCode, Raw: raw}, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return Response{Status: resp.StatusCode, Body: body, Raw: raw}, nil
}

// Stream opens a streaming call. payload must carry response_mode "streaming".
// Connection and status failures are returned before any line is produced.
// The caller must Close the returned Stream.
func (c *Client) Stream(ctx context.Context, url string, payload map[string]any, headers map[string]string) (*Stream, error) {
	if err := checkMode(payload, "streaming"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := tracer.Start(ctx, "upstream.Stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url), attribute.String("response_mode", "streaming")),
	)

	start := time.Now()
	body, status, err := c.open(ctx, url, payload, headers)
	c.cfg.Metrics.RecordUpstream("streaming", time.Since(start), err, Classify)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
		span.End()
		cancel()
		c.logger.Printf("stream to %s failed to open: %v", url, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return newStream(ctx, cancel, body, span, c.cfg.MaxLineBytes, c.cfg.LineBuffer), nil
}

func (c *Client) open(ctx context.Context, url string, payload map[string]any, headers map[string]string) (io.ReadCloser, int, error) {
	req, err := c.newRequest(ctx, url, payload, headers, true)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, resp.StatusCode, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Body: truncate(string(raw), errorBodyLimit)}
	}
	return resp.Body, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, url string, payload map[string]any, headers map[string]string, stream bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrInvalidPayload, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrConnect, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func checkMode(payload map[string]any, want string) error {
	if payload == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	mode, _ := payload["response_mode"].(string)
	if mode != want {
		return fmt.Errorf("%w: response_mode %q, want %q", ErrInvalidPayload, mode, want)
	}
	return nil
}
