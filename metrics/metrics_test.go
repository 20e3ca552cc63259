package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dpos-node/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetRound(3)
	m.SetHeight(10)
	m.SetNetworkState(10, 0.5)
	m.SetSyncPercent(50)
	m.RateLimited("blocks")
	m.LinkageViolation("HeightNotSequential")
}

func TestCollectors(t *testing.T) {
	m := New()
	m.SetHeight(12)
	m.SetNetworkState(15, 0.75)
	m.RateLimited("blocks")
	m.RateLimited("blocks")
	m.LinkageViolation("PreviousIdMismatch")

	assert.Equal(t, 12.0, testutil.ToFloat64(m.height))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.networkHeight))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.quorum))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("blocks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linkageFailures.WithLabelValues("PreviousIdMismatch")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dpos_height 12"), body)
	assert.True(t, strings.Contains(body, "go_goroutines"), body)
}

func TestWatch(t *testing.T) {
	m := New()
	d := events.NewDispatcher()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, d)
		close(done)
	}()

	// Send reports zero receivers until the watcher has subscribed
	require.Eventually(t, func() bool {
		return d.SendRoundChanged(events.RoundChanged{Round: 7}) == 1 &&
			d.SendSyncProgress(events.SyncProgress{Percent: 42.5}) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.round) == 7 && testutil.ToFloat64(m.syncPercent) == 42.5
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
