package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordRequest("dify", "blocking", time.Second)
	c.RecordError("dify", "invalid_request")
	c.RecordUpstream("streaming", time.Second, errors.New("x"), nil)
	c.RecordRelay("completed", 3)
	c.RecordWrite("ok")
	c.AddInflight(1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestRecordUpstreamClassifiesErrors(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	classify := func(err error) string { return "timeout" }

	c.RecordUpstream("blocking", 10*time.Millisecond, nil, classify)
	c.RecordUpstream("blocking", 10*time.Millisecond, errors.New("slow"), classify)
	c.RecordUpstream("streaming", 10*time.Millisecond, errors.New("boom"), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("blocking", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("blocking", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("streaming", "error")))
}

func TestRecorderGaugeAndWrites(t *testing.T) {
	c := NewCollector(nil)
	c.AddInflight(3)
	c.AddInflight(-1)
	c.RecordWrite("ok")
	c.RecordWrite("ok")
	c.RecordWrite("dropped")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.recorderInflight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.recorderWrites.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recorderWrites.WithLabelValues("dropped")))
}

func TestHandlerExposesFamilies(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordRelay("timed_out", 2)
	c.RecordRequest("dify", "streaming", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `chatflow_relay_outcomes_total{state="timed_out"} 1`))
	assert.Contains(t, text, "chatflow_relay_fragments_count 1")
	assert.Contains(t, text, `chatflow_request_duration_seconds_count{endpoint="dify",mode="streaming"} 1`)
}
