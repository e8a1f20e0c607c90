package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/config"
	"github.com/giantstar-manager/warudo-cam/internal/monitoring"
	"github.com/giantstar-manager/warudo-cam/internal/rtcManager/rtctest"
)

func noICERestarts(c *config.Config) { c.Reconnect.MaxICERestarts = 0 }

func TestICERestart_BackoffSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateSession(true, nil)
	require.NoError(t, err)
	peer := h.peer(t, 0)

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range delays {
		peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
		// a second degradation while pending must not stack a timer
		peer.SetICEConnectionState(webrtc.ICEConnectionStateDisconnected)

		h.clock.Add(d - time.Millisecond)
		assert.Equal(t, i, peer.RestartCalls(), "restart %d fired early", i+1)

		h.clock.Add(time.Millisecond)
		want := i + 1
		require.Eventually(t, func() bool { return peer.RestartCalls() == want }, time.Second, time.Millisecond)
	}

	// cap reached: disconnected schedules nothing more
	peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, len(delays), peer.RestartCalls())

	offer, err := h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, offer.SDP)
	assert.Equal(t, []bool{true}, peer.Offers(), "next offer carries the restart")
}

func TestICERestart_RenegotiationCarriesRestart(t *testing.T) {
	h := newHarness(t)
	src, _, _ := newSource("cam")
	_, err := h.engine.CreateSession(true, src)
	require.NoError(t, err)
	peer := h.peer(t, 0)

	first, err := h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.engine.AcceptAnswer(context.Background(), remoteAnswer))

	peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return peer.RestartCalls() == 1 }, time.Second, time.Millisecond)

	sender := peer.FakeSenders()[0]
	before := sender.Sets()

	second, err := h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.SDP, second.SDP)
	assert.Equal(t, []bool{false, true}, peer.Offers())
	assert.Equal(t, webrtc.ICEGatheringStateComplete, peer.ICEGatheringState())
	assert.Greater(t, sender.Sets(), before, "tuning is re-applied after renegotiation")

	params := sender.GetParameters()
	require.NotEmpty(t, params.Encodings)
	assert.Equal(t, uint64(config.DefaultBitrate), params.Encodings[0].MaxBitrate)

	// the restart flag is consumed by one offer
	_, err = h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, peer.Offers())
}

func TestICERestart_ConnectedCancelsPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateSession(true, nil)
	require.NoError(t, err)
	peer := h.peer(t, 0)

	peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	peer.SetConnectionState(webrtc.PeerConnectionStateConnected)
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, peer.RestartCalls())

	// use two restarts, then recover: the schedule starts over at 1s
	for i := 0; i < 2; i++ {
		peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
		h.clock.Add(time.Duration(1<<i) * time.Second)
		want := i + 1
		require.Eventually(t, func() bool { return peer.RestartCalls() == want }, time.Second, time.Millisecond)
	}
	peer.SetConnectionState(webrtc.PeerConnectionStateConnected)

	peer.SetConnectionState(webrtc.PeerConnectionStateFailed)
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return peer.RestartCalls() == 3 }, time.Second, time.Millisecond)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.Equal(t, 1, h.engine.restarts)
}

func TestICERestart_CloseCancelsPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateSession(true, nil)
	require.NoError(t, err)
	peer := h.peer(t, 0)

	peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	require.NoError(t, h.engine.Close())
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, peer.RestartCalls())
}

func TestReconnect_ExhaustsExactlyOnce(t *testing.T) {
	h := newHarness(t, noICERestarts)
	h.factory.Configure = func(n int, p *rtctest.Peer) {
		if n > 0 {
			p.SetRemoteErr = errors.New("remote rejected")
		}
	}
	_, err := h.engine.CreateSession(true, nil)
	require.NoError(t, err)
	_, err = h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.engine.AcceptAnswer(context.Background(), remoteAnswer))

	attempts := &recorder[ReconnectAttempt]{}
	failures := &recorder[ReconnectFailure]{}
	_, err = h.engine.OnReconnect(attempts.add)
	require.NoError(t, err)
	_, err = h.engine.OnReconnectFailed(failures.add)
	require.NoError(t, err)

	h.peer(t, 0).SetConnectionState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return failures.len() > 0
	}, 5*time.Second, 5*time.Millisecond)

	got := attempts.all()
	require.Len(t, got, config.DefaultMaxReconnectCycles)
	for i, a := range got {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, config.DefaultMaxReconnectCycles, a.MaxAttempts)
		assert.Equal(t, "failed", a.Reason)
	}

	fail := failures.all()[0]
	assert.Equal(t, config.DefaultMaxReconnectCycles, fail.Attempts)
	assert.ErrorIs(t, fail.Err, ErrReconnectExhausted)
	assert.ErrorContains(t, fail.Err, "remote rejected")

	// further triggers neither rebuild nor report again
	peers := len(h.factory.Peers())
	h.engine.triggerReconnect("failed")
	h.factory.Last().SetConnectionState(webrtc.PeerConnectionStateFailed)
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, failures.len())
	assert.Len(t, attempts.all(), config.DefaultMaxReconnectCycles)
	assert.Len(t, h.factory.Peers(), peers)
}

func TestReconnect_MissingRemoteDescriptionFailsFast(t *testing.T) {
	h := newHarness(t, noICERestarts, func(c *config.Config) { c.Reconnect.MaxReconnectCycles = 1 })
	_, err := h.engine.CreateSession(true, nil)
	require.NoError(t, err)

	failures := &recorder[ReconnectFailure]{}
	_, err = h.engine.OnReconnectFailed(failures.add)
	require.NoError(t, err)

	h.engine.triggerReconnect("failed")
	require.Eventually(t, func() bool { return failures.len() == 1 }, time.Second, time.Millisecond)

	fail := failures.all()[0]
	assert.Equal(t, 1, fail.Attempts)
	assert.ErrorIs(t, fail.Err, ErrReconnectExhausted)
	assert.ErrorContains(t, fail.Err, ErrNoRemoteDescription.Error())
	assert.Len(t, h.factory.Peers(), 1, "no peer is built without a remote description")
}

func TestReconnect_SingleInFlight(t *testing.T) {
	h := newHarness(t, noICERestarts)
	h.factory.Configure = func(n int, p *rtctest.Peer) { p.ManualGathering = n > 0 }
	id, err := h.engine.CreateSession(false, nil)
	require.NoError(t, err)
	_, err = h.engine.CreateAnswer(context.Background(), remoteOffer)
	require.NoError(t, err)

	attempts := &recorder[ReconnectAttempt]{}
	_, err = h.engine.OnReconnect(attempts.add)
	require.NoError(t, err)
	descs := &recorder[webrtc.SessionDescription]{}
	_, err = h.engine.OnLocalDescription(descs.add)
	require.NoError(t, err)

	h.engine.triggerReconnect("failed")
	h.engine.triggerReconnect("failed")
	assert.Len(t, attempts.all(), 1)

	require.Eventually(t, func() bool { return len(h.factory.Peers()) == 2 }, time.Second, time.Millisecond)
	h.factory.Last().CompleteGathering()

	require.Eventually(t, func() bool { return descs.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-1"}, descs.all()[0])

	assert.True(t, h.peer(t, 0).IsClosed())
	assert.Equal(t, id, h.engine.SessionID(), "a rebuild keeps the session")

	remote := h.factory.Last().RemoteDescription()
	require.NotNil(t, remote)
	assert.Equal(t, remoteOffer, *remote)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.False(t, h.engine.reconnecting)
}

func TestReconnect_CallerReplaysCachedAnswer(t *testing.T) {
	h := newHarness(t, noICERestarts)
	src, video, _ := newSource("cam")
	_, err := h.engine.CreateSession(true, src)
	require.NoError(t, err)
	_, err = h.engine.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.engine.AcceptAnswer(context.Background(), remoteAnswer))

	descs := &recorder[webrtc.SessionDescription]{}
	_, err = h.engine.OnLocalDescription(descs.add)
	require.NoError(t, err)

	h.peer(t, 0).SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return descs.len() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, webrtc.SDPTypeOffer, descs.all()[0].Type)
	rebuilt := h.peer(t, 1)
	assert.Equal(t, []bool{true}, rebuilt.Offers(), "rebuild offers with an ICE restart")
	assert.Len(t, rebuilt.FakeSenders(), 2, "local tracks are re-attached")
	assert.False(t, video.Closed(), "local tracks survive a rebuild")

	remote := rebuilt.RemoteDescription()
	require.NotNil(t, remote)
	assert.Equal(t, remoteAnswer, *remote)

	// the rebuilt peer drives state from now on
	states := &recorder[ConnectionState]{}
	_, err = h.engine.OnStateChange(states.add)
	require.NoError(t, err)
	rebuilt.SetConnectionState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, []ConnectionState{StateNew, StateConnected}, states.all())
}

func TestReconnect_NewSessionAbandonsRebuild(t *testing.T) {
	h := newHarness(t, noICERestarts)
	h.factory.Configure = func(n int, p *rtctest.Peer) { p.ManualGathering = n == 1 }
	_, err := h.engine.CreateSession(false, nil)
	require.NoError(t, err)
	_, err = h.engine.CreateAnswer(context.Background(), remoteOffer)
	require.NoError(t, err)

	descs := &recorder[webrtc.SessionDescription]{}
	_, err = h.engine.OnLocalDescription(descs.add)
	require.NoError(t, err)

	h.engine.triggerReconnect("failed")
	require.Eventually(t, func() bool {
		return len(h.factory.Peers()) == 2 && h.factory.Last().CandidateListeners() > 0
	}, time.Second, time.Millisecond)

	_, err = h.engine.CreateSession(false, nil)
	require.NoError(t, err)
	assert.True(t, h.peer(t, 1).IsClosed())

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, descs.len())
	assert.Len(t, h.factory.Peers(), 3)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.False(t, h.engine.reconnecting)
	assert.Zero(t, h.engine.reconnects)
}

func TestReconnect_RebuildIsNotANewSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.DefaultConfig()
	cfg.Reconnect.MaxICERestarts = 0
	factory := &rtctest.Factory{}
	e := New(cfg, factory,
		WithLogger(zap.NewNop()),
		WithClock(clock.NewMock()),
		WithCollector(monitoring.NewCollector(reg, "caller")),
		WithDescriptionValidator(nil))
	t.Cleanup(func() { _ = e.Close() })

	_, err := e.CreateSession(true, nil)
	require.NoError(t, err)
	_, err = e.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.AcceptAnswer(context.Background(), remoteAnswer))

	descs := &recorder[webrtc.SessionDescription]{}
	_, err = e.OnLocalDescription(descs.add)
	require.NoError(t, err)

	factory.Peers()[0].SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return descs.len() == 1 }, time.Second, time.Millisecond)

	const want = `
# HELP warudo_reconnect_attempts_total Full reconnect attempts started
# TYPE warudo_reconnect_attempts_total counter
warudo_reconnect_attempts_total{engine="caller"} 1
# HELP warudo_sessions_created_total Sessions created by CreateSession. Rebuilds keep the session and count as reconnect attempts
# TYPE warudo_sessions_created_total counter
warudo_sessions_created_total{engine="caller"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want),
		"warudo_sessions_created_total", "warudo_reconnect_attempts_total"))
}
