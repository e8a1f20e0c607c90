package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "caller")

	c.ObserveState("connecting")
	c.ObserveState("connected")
	c.ObserveState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("connecting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stateChanges.WithLabelValues("connected")))

	c.ICERestart()
	c.ICERestart()
	c.ReconnectAttempt()
	c.ReconnectExhausted()
	c.SessionCreated()
	c.Gathering(true)
	c.Gathering(false)
	c.ObserverPanic("state")
	c.Negotiation("offer", 300*time.Millisecond, nil)
	c.Negotiation("answer", time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.iceRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnectAttempt))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnectFailure))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gathering.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.observerPanics.WithLabelValues("state")))

	c.ObserveHealth(Health{BitrateBps: 12e6, FPS: 30, PacketLossPercent: 0.5, RoundTripTimeSeconds: 0.02, JitterSeconds: 0.001})
	assert.Equal(t, 12e6, testutil.ToFloat64(c.bitrate))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.fps))
}

func TestCollector_TwoEnginesShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	caller := NewCollector(reg, "caller")
	callee := NewCollector(reg, "callee")

	caller.ICERestart()
	callee.ObserveState("new")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveState("connected")
		c.ICERestart()
		c.ReconnectAttempt()
		c.ReconnectExhausted()
		c.SessionCreated()
		c.Gathering(false)
		c.ObserverPanic("metrics")
		c.Negotiation("offer", time.Second, nil)
		c.ObserveHealth(Health{})
	})
}
