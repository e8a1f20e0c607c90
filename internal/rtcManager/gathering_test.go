package rtcManager_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
	"github.com/giantstar-manager/warudo-cam/internal/rtcManager/rtctest"
)

type waitResult struct {
	sdp      string
	complete bool
}

func startWait(ctx context.Context, peer rtcManager.Peer, timeout time.Duration, clk clock.Clock) <-chan waitResult {
	out := make(chan waitResult, 1)
	go func() {
		sdp, complete := rtcManager.AwaitGatheringComplete(ctx, peer, timeout, clk)
		out <- waitResult{sdp, complete}
	}()
	return out
}

func manualPeer(t *testing.T) *rtctest.Peer {
	t.Helper()
	peer := rtctest.NewPeer()
	peer.ManualGathering = true
	offer, err := peer.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, peer.SetLocalDescription(offer))
	return peer
}

func TestAwaitGatheringComplete_AlreadyComplete(t *testing.T) {
	peer := rtctest.NewPeer()
	offer, err := peer.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, peer.SetLocalDescription(offer))

	sdp, complete := rtcManager.AwaitGatheringComplete(context.Background(), peer, time.Second, clock.NewMock())
	assert.True(t, complete)
	assert.Equal(t, "offer-1", sdp)
	assert.Equal(t, 0, peer.CandidateListeners())
}

func TestAwaitGatheringComplete_Signals(t *testing.T) {
	tests := []struct {
		name   string
		signal func(p *rtctest.Peer)
	}{
		{"gathering complete", func(p *rtctest.Peer) { p.CompleteGathering() }},
		{"nil candidate", func(p *rtctest.Peer) { p.EmitCandidate(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := manualPeer(t)
			results := startWait(context.Background(), peer, 10*time.Second, clock.NewMock())

			require.Eventually(t, func() bool { return peer.CandidateListeners() == 1 }, time.Second, time.Millisecond)
			peer.EmitCandidate(&webrtc.ICECandidate{Address: "192.0.2.1", Port: 50000})
			tt.signal(peer)

			select {
			case res := <-results:
				assert.True(t, res.complete)
				assert.Equal(t, "offer-1", res.sdp)
			case <-time.After(time.Second):
				t.Fatal("wait did not resolve")
			}
			assert.Equal(t, 0, peer.CandidateListeners(), "listener must be removed")
		})
	}
}

func TestAwaitGatheringComplete_TimeoutReturnsPartial(t *testing.T) {
	peer := manualPeer(t)
	mock := clock.NewMock()
	results := startWait(context.Background(), peer, 10*time.Second, mock)

	var res waitResult
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case res = <-results:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.False(t, res.complete)
	assert.Equal(t, "offer-1", res.sdp, "partial description is returned on timeout")
	assert.Equal(t, 0, peer.CandidateListeners())
}

func TestAwaitGatheringComplete_ContextCancelled(t *testing.T) {
	peer := manualPeer(t)
	ctx, cancel := context.WithCancel(context.Background())
	results := startWait(ctx, peer, time.Hour, clock.NewMock())
	cancel()

	select {
	case res := <-results:
		assert.False(t, res.complete)
		assert.Equal(t, "offer-1", res.sdp)
	case <-time.After(time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestAwaitGatheringComplete_NoLocalDescription(t *testing.T) {
	peer := rtctest.NewPeer()
	peer.ManualGathering = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sdp, complete := rtcManager.AwaitGatheringComplete(ctx, peer, time.Second, clock.NewMock())
	assert.False(t, complete)
	assert.Empty(t, sdp)
}
