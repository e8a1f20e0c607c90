package rtcManager

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

// AwaitGatheringComplete blocks until candidate gathering finishes, a nil
// candidate arrives, timeout elapses or ctx is done, whichever is first.
// It always returns the current local description; complete is false when
// the wait ended early and the description may lack candidates.
func AwaitGatheringComplete(ctx context.Context, peer Peer, timeout time.Duration, clk clock.Clock) (sdp string, complete bool) {
	if clk == nil {
		clk = clock.New()
	}

	lastCandidate := make(chan struct{})
	var once sync.Once
	unsubscribe := peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(lastCandidate) })
		}
	})
	defer unsubscribe()

	if peer.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return localSDP(peer), true
	}

	timer := clk.Timer(timeout)
	defer timer.Stop()

	select {
	case <-peer.GatheringComplete():
		complete = true
	case <-lastCandidate:
		complete = true
	case <-timer.C:
	case <-ctx.Done():
	}
	return localSDP(peer), complete
}

func localSDP(peer Peer) string {
	if desc := peer.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}
