package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ConnectionState is the canonical lifecycle state of a session.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

func (s ConnectionState) String() string { return string(s) }

// CanonicalState prefers the peer connection state and falls back to the
// ICE connection state when the former is unknown.
func CanonicalState(pc webrtc.PeerConnectionState, ice webrtc.ICEConnectionState) ConnectionState {
	switch pc {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}

	switch ice {
	case webrtc.ICEConnectionStateChecking:
		return StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// stateMachine tracks the last observed canonical state. The state is
// derived from the substrate, so an unexpected jump is logged and taken
// rather than rejected.
type stateMachine struct {
	fsm    *fsm.FSM
	logger *zap.Logger
}

func newStateMachine(logger *zap.Logger) *stateMachine {
	m := &stateMachine{logger: logger}
	m.fsm = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: string(StateConnecting), Src: []string{string(StateNew), string(StateDisconnected), string(StateFailed)}, Dst: string(StateConnecting)},
			{Name: string(StateConnected), Src: []string{string(StateConnecting), string(StateDisconnected), string(StateFailed)}, Dst: string(StateConnected)},
			{Name: string(StateDisconnected), Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: string(StateFailed), Src: []string{string(StateConnecting), string(StateConnected), string(StateDisconnected)}, Dst: string(StateFailed)},
			{Name: string(StateClosed), Src: []string{string(StateNew), string(StateConnecting), string(StateConnected), string(StateDisconnected), string(StateFailed)}, Dst: string(StateClosed)},
			{Name: string(StateNew), Src: []string{string(StateClosed)}, Dst: string(StateNew)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("connection state transition", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
	return m
}

// Observe moves the machine to next and reports the previous state and
// whether anything changed.
func (m *stateMachine) Observe(ctx context.Context, next ConnectionState) (prev ConnectionState, changed bool) {
	prev = ConnectionState(m.fsm.Current())
	if prev == next {
		return prev, false
	}

	err := m.fsm.Event(ctx, string(next))
	var invalid fsm.InvalidEventError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		m.logger.Warn("unexpected connection state transition",
			zap.String("from", string(prev)), zap.String("to", string(next)))
		m.fsm.SetState(string(next))
	default:
		m.logger.Warn("connection state transition failed",
			zap.String("from", string(prev)), zap.String("to", string(next)), zap.Error(err))
		m.fsm.SetState(string(next))
	}
	return prev, true
}

func (m *stateMachine) Current() ConnectionState {
	return ConnectionState(m.fsm.Current())
}

// Reset puts the machine back to new for a fresh peer.
func (m *stateMachine) Reset() {
	m.fsm.SetState(string(StateNew))
}
