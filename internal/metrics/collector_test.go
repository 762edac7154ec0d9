package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"forward-proxy/internal/proxy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordOutcomes(t *testing.T) {
	c := NewCollector("fwdproxy", prometheus.NewRegistry())

	c.Record(proxy.Outcome{Proxy: "main", Mode: proxy.ModeTunnel, Allowed: true, Rule: "default", Status: 200, BytesUp: 100, BytesDown: 300, Duration: time.Second})
	c.Record(proxy.Outcome{Proxy: "main", Mode: proxy.ModeTunnel, Allowed: true, Rule: "default", Status: 200, BytesUp: 1, BytesDown: 2})
	c.Record(proxy.Outcome{Proxy: "main", Mode: proxy.ModeTunnel, Rule: "blocked", Status: 403})
	c.Record(proxy.Outcome{Proxy: "main", Mode: proxy.ModeUnknown, Status: 400})

	require.Equal(t, 2.0, testutil.ToFloat64(c.sessions.WithLabelValues("main", "tunnel", "allow", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("main", "tunnel", "deny", "403")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("main", "unknown", "none", "400")))
	require.Equal(t, 101.0, testutil.ToFloat64(c.bytes.WithLabelValues("main", "up")))
	require.Equal(t, 302.0, testutil.ToFloat64(c.bytes.WithLabelValues("main", "down")))
	require.Equal(t, 2, testutil.CollectAndCount(c.duration))
}

func TestTrackActiveAndHandler(t *testing.T) {
	c := NewCollector("fwdproxy", nil)
	active := int64(3)
	require.NoError(t, c.TrackActive("main", func() int64 { return active }))
	require.Error(t, c.TrackActive("main", func() int64 { return 0 }), "duplicate gauge")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `fwdproxy_active_sessions{proxy="main"} 3`))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
