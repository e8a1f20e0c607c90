package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

// CreateOffer produces the local offer once gathering completes or times
// out. A timed-out offer still carries the candidates gathered so far.
func (e *Engine) CreateOffer(ctx context.Context) (desc webrtc.SessionDescription, err error) {
	sess, err := e.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	start := e.clock.Now()
	defer func() { e.collector.Negotiation("offer", e.timeSince(start), err) }()

	media := e.Config()
	e.applyCodecPreference(sess, media.Codec)
	offer, err := sess.peer.CreateOffer(false)
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError("create offer", err)
	}
	if err := sess.peer.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, negotiationError("set local description", err)
	}
	e.applyCodecPreference(sess, media.Codec)

	return e.finishLocal(ctx, sess, webrtc.SDPTypeOffer)
}

// CreateAnswer applies the remote offer and answers it.
func (e *Engine) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (desc webrtc.SessionDescription, err error) {
	sess, err := e.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	start := e.clock.Now()
	defer func() { e.collector.Negotiation("answer", e.timeSince(start), err) }()

	if err := e.checkRemote(offer, webrtc.SDPTypeOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := sess.peer.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, negotiationError("set remote description", err)
	}
	if !e.cacheRemote(sess, offer) {
		return webrtc.SessionDescription{}, ErrStaleSession
	}

	media := e.Config()
	e.applyCodecPreference(sess, media.Codec)
	answer, err := sess.peer.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError("create answer", err)
	}
	if err := sess.peer.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, negotiationError("set local description", err)
	}
	e.applyCodecPreference(sess, media.Codec)

	return e.finishLocal(ctx, sess, webrtc.SDPTypeAnswer)
}

// AcceptAnswer applies the remote answer to a pending local offer.
func (e *Engine) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) (err error) {
	sess, err := e.current()
	if err != nil {
		return err
	}
	start := e.clock.Now()
	defer func() { e.collector.Negotiation("accept", e.timeSince(start), err) }()

	if err := e.checkRemote(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	if err := sess.peer.SetRemoteDescription(answer); err != nil {
		return negotiationError("set remote description", err)
	}
	if !e.cacheRemote(sess, answer) {
		return ErrStaleSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.applyMediaTuning(sess)
	return nil
}

func (e *Engine) checkRemote(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return negotiationError("validate remote description",
			fmt.Errorf("expected %s, got %s", want, desc.Type))
	}
	if e.validate == nil {
		return nil
	}
	return negotiationError("validate remote description", e.validate(desc))
}

func (e *Engine) cacheRemote(sess *session, desc webrtc.SessionDescription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != sess {
		return false
	}
	e.lastRemote = &desc
	return true
}

// finishLocal waits for gathering and returns the local description with
// sender tuning applied.
func (e *Engine) finishLocal(ctx context.Context, sess *session, typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	sdp, err := e.awaitGathering(ctx, sess)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.applyMediaTuning(sess)
	if d := sess.peer.LocalDescription(); d != nil {
		sdp = d.SDP
	}
	return webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}

// awaitGathering waits on both the caller's context and the session's, so a
// close or replacement ends the wait early. The result is discarded when
// the session is no longer current.
func (e *Engine) awaitGathering(ctx context.Context, sess *session) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	sdp, complete := rtcManager.AwaitGatheringComplete(ctx, sess.peer, e.cfg.ICE.GatheringTimeout, e.clock)
	e.collector.Gathering(complete)
	if !complete {
		sess.logger.Warn("ice gathering incomplete, using partial candidates",
			zap.Duration("timeout", e.cfg.ICE.GatheringTimeout))
	}
	if !e.isCurrent(sess) {
		return "", ErrStaleSession
	}
	return sdp, nil
}
