package session

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/stats"
)

// resetRecoveryLocked returns both recovery tiers to their initial state
// and cancels every pending timer.
func (e *Engine) resetRecoveryLocked() {
	e.cancelRestartLocked()
	e.cancelReconnectRetryLocked()
	e.restarts = 0
	e.reconnects = 0
	e.reconnecting = false
	e.exhausted = false
	e.restartBackoff.Reset()
	e.reconnectBackoff.Reset()
	e.recoveryEpoch++
}

func (e *Engine) cancelRestartLocked() {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.restartSeq++
}

func (e *Engine) cancelReconnectRetryLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.reconnectSeq++
}

func (e *Engine) onConnected(sess *session) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.cancelRestartLocked()
	e.cancelReconnectRetryLocked()
	e.restarts = 0
	e.reconnects = 0
	e.exhausted = false
	e.restartBackoff.Reset()
	e.reconnectBackoff.Reset()
	e.mu.Unlock()

	e.applyMediaTuning(sess)
}

func (e *Engine) onDegraded(sess *session, state ConnectionState) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	if e.restarts < e.cfg.Reconnect.MaxICERestarts {
		e.scheduleRestartLocked(sess)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if state == StateFailed {
		e.triggerReconnect(string(state))
	}
}

// scheduleRestartLocked arms the single ICE restart timer. It is a no-op
// while a restart is pending or once the restart cap is reached.
func (e *Engine) scheduleRestartLocked(sess *session) {
	if e.restartTimer != nil || e.restarts >= e.cfg.Reconnect.MaxICERestarts {
		return
	}
	delay := e.restartBackoff.NextBackOff()
	e.restarts++
	e.restartSeq++
	seq := e.restartSeq

	sess.logger.Info("scheduling ice restart",
		zap.Int("attempt", e.restarts),
		zap.Int("max", e.cfg.Reconnect.MaxICERestarts),
		zap.Duration("delay", delay))
	e.restartTimer = e.clock.AfterFunc(delay, func() { e.fireRestart(sess, seq) })
}

func (e *Engine) fireRestart(sess *session, seq uint64) {
	e.mu.Lock()
	if e.restartSeq != seq || e.restartTimer == nil {
		e.mu.Unlock()
		return
	}
	e.restartTimer = nil
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := sess.peer.RestartICE(); err != nil {
		sess.logger.Warn("ice restart failed", zap.Error(err))
	}
	e.collector.ICERestart()
	e.applyMediaTuning(sess)
}

// triggerReconnect starts a full rebuild unless one is running or the
// reconnect cap is reached.
func (e *Engine) triggerReconnect(reason string) {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return
	}
	if e.reconnecting {
		e.mu.Unlock()
		e.logger.Debug("reconnect already in progress", zap.String("reason", reason))
		return
	}
	maxCycles := e.cfg.Reconnect.MaxReconnectCycles
	if e.reconnects >= maxCycles {
		attempts := e.reconnects
		e.mu.Unlock()
		e.exhaust(attempts, reason, ErrReconnectExhausted)
		return
	}
	e.reconnecting = true
	e.reconnects++
	attempt := e.reconnects
	epoch := e.recoveryEpoch
	e.mu.Unlock()

	e.logger.Info("reconnecting",
		zap.Int("attempt", attempt), zap.Int("max", maxCycles), zap.String("reason", reason))
	e.collector.ReconnectAttempt()
	e.attemptObs.notify(ReconnectAttempt{Attempt: attempt, MaxAttempts: maxCycles, Reason: reason})

	go e.runReconnect(epoch, attempt, reason)
}

// exhaust emits the terminal failure once per exhaustion.
func (e *Engine) exhaust(attempts int, reason string, err error) {
	e.mu.Lock()
	fire := !e.exhausted
	e.exhausted = true
	e.mu.Unlock()
	if !fire {
		return
	}

	e.logger.Error("reconnect attempts exhausted",
		zap.Int("attempts", attempts), zap.String("reason", reason), zap.Error(err))
	e.collector.ReconnectExhausted()
	e.failureObs.notify(ReconnectFailure{Attempts: attempts, Reason: reason, Err: err})
}

// runReconnect performs one rebuild. epoch fences it against a close or a
// new session, either of which resets recovery while the rebuild runs.
func (e *Engine) runReconnect(epoch uint64, attempt int, reason string) {
	desc, err := e.rebuild()

	e.mu.Lock()
	if e.recoveryEpoch != epoch || errors.Is(err, ErrStaleSession) {
		e.mu.Unlock()
		e.logger.Debug("rebuild abandoned, session replaced", zap.Int("attempt", attempt))
		return
	}
	e.reconnecting = false
	sess := e.sess
	if err == nil {
		e.mu.Unlock()
		if sess != nil {
			sess.logger.Info("rebuild complete", zap.Int("attempt", attempt))
			e.applyMediaTuning(sess)
		}
		e.localDescObs.notify(desc)
		return
	}

	if attempt >= e.cfg.Reconnect.MaxReconnectCycles || sess == nil {
		e.mu.Unlock()
		e.exhaust(attempt, reason, fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
		return
	}
	delay := e.reconnectBackoff.NextBackOff()
	e.cancelReconnectRetryLocked()
	seq := e.reconnectSeq
	e.reconnectTimer = e.clock.AfterFunc(delay, func() { e.retryReconnect(seq, reason) })
	e.mu.Unlock()

	e.logger.Warn("rebuild failed, retrying",
		zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
}

func (e *Engine) retryReconnect(seq uint64, reason string) {
	e.mu.Lock()
	if e.reconnectSeq != seq || e.reconnectTimer == nil {
		e.mu.Unlock()
		return
	}
	e.reconnectTimer = nil
	e.mu.Unlock()
	e.triggerReconnect(reason)
}

// rebuild replaces the peer and replays the last remote description
// against it. Local tracks survive; the session ID is kept.
func (e *Engine) rebuild() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	old := e.sess
	remote := e.lastRemote
	e.mu.Unlock()
	if old == nil {
		return webrtc.SessionDescription{}, ErrStaleSession
	}
	if remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}

	peer, err := e.factory.NewPeer()
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError("create peer", err)
	}

	e.mu.Lock()
	if e.sess != old {
		e.mu.Unlock()
		_ = peer.Close()
		return webrtc.SessionDescription{}, ErrStaleSession
	}
	e.cancelRestartLocked()
	e.generation++
	sess := e.newSessionLocked(old.id, old.caller, peer, old.local)
	e.remote = nil
	e.prevSample = stats.Sample{}
	e.machine.Reset()
	e.mu.Unlock()

	e.teardown(old, false, nil)
	e.wire(sess)
	sess.logger.Info("rebuilding peer", zap.String("replay", remote.Type.String()))

	if sess.caller && sess.local != nil {
		if err := attachTracks(peer, sess.local.Tracks()); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	family := e.Config().Codec
	e.applyCodecPreference(sess, family)

	var local webrtc.SessionDescription
	switch remote.Type {
	case webrtc.SDPTypeOffer:
		if err := peer.SetRemoteDescription(*remote); err != nil {
			return webrtc.SessionDescription{}, negotiationError("set remote description", err)
		}
		e.applyCodecPreference(sess, family)
		answer, err := peer.CreateAnswer()
		if err != nil {
			return webrtc.SessionDescription{}, negotiationError("create answer", err)
		}
		if err := peer.SetLocalDescription(answer); err != nil {
			return webrtc.SessionDescription{}, negotiationError("set local description", err)
		}
		e.applyCodecPreference(sess, family)
		sdp, err := e.awaitGathering(sess.ctx, sess)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		local = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}

	case webrtc.SDPTypeAnswer:
		offer, err := peer.CreateOffer(true)
		if err != nil {
			return webrtc.SessionDescription{}, negotiationError("create offer", err)
		}
		if err := peer.SetLocalDescription(offer); err != nil {
			return webrtc.SessionDescription{}, negotiationError("set local description", err)
		}
		e.applyCodecPreference(sess, family)
		sdp, err := e.awaitGathering(sess.ctx, sess)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		if err := peer.SetRemoteDescription(*remote); err != nil {
			return webrtc.SessionDescription{}, negotiationError("set remote description", err)
		}
		e.applyCodecPreference(sess, family)
		local = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}

	default:
		return webrtc.SessionDescription{}, negotiationError("rebuild", fmt.Errorf("cannot replay %s description", remote.Type))
	}

	if !e.isCurrent(sess) {
		return webrtc.SessionDescription{}, ErrStaleSession
	}
	return local, nil
}
