package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.PostsReceived.Inc()
	m.PostsIgnored.WithLabelValues("chat_mismatch").Inc()
	m.SegmentsPublished.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PostsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PostsIgnored.WithLabelValues("chat_mismatch")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "threadrelay_posts_received_total 1")
	assert.Contains(t, string(body), `threadrelay_posts_ignored_total{reason="chat_mismatch"} 1`)
	assert.Contains(t, string(body), "threadrelay_segments_published_total 3")
}
