package rtcManager

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// DegradationPreference tells an encoder what to give up first when the
// network cannot carry the target bitrate.
type DegradationPreference string

const (
	DegradationMaintainResolution DegradationPreference = "maintain-resolution"
	DegradationMaintainFramerate  DegradationPreference = "maintain-framerate"
	DegradationBalanced           DegradationPreference = "balanced"
)

// ContentHintDetail biases an encoder toward sharpness over smooth motion.
const ContentHintDetail = "detail"

var (
	ErrPeerClosed        = errors.New("peer connection is closed")
	ErrInvalidParameters = errors.New("invalid send parameters")
)

// EncodingParameters are the tunables of one outgoing encoding layer.
type EncodingParameters struct {
	RID                   string
	SSRC                  webrtc.SSRC
	MaxBitrate            uint64
	MinBitrate            uint64
	DegradationPreference DegradationPreference
}

// SendParameters are the tunables of one sender.
type SendParameters struct {
	Encodings             []EncodingParameters
	DegradationPreference DegradationPreference
}

// ContentHinter is implemented by local tracks that accept an encoder hint.
type ContentHinter interface {
	SetContentHint(hint string)
	ContentHint() string
}

// LocalTrack is an outgoing media component the session can attach.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// RemoteTrack is an incoming media component. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Sender is one outgoing flow of a peer.
type Sender interface {
	Track() webrtc.TrackLocal
	GetParameters() SendParameters
	SetParameters(SendParameters) error
}

// Transceiver pairs one outgoing and one incoming flow of a media kind.
type Transceiver interface {
	Kind() webrtc.RTPCodecType
	Mid() string
	SetCodecPreferences([]webrtc.RTPCodecParameters) error
}

// Peer is the negotiation substrate a session drives. Subscriptions return a
// func that removes the handler again.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender
	Transceivers() []Transceiver
	// CodecCapabilities lists the video codecs the peer can negotiate.
	CodecCapabilities() []webrtc.RTPCodecParameters

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	// RestartICE marks the next offer as an ICE restart.
	RestartICE() error

	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState
	// GatheringComplete is closed once candidate gathering has finished.
	GatheringComplete() <-chan struct{}

	OnConnectionStateChange(func(webrtc.PeerConnectionState)) (unsubscribe func())
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) (unsubscribe func())
	OnICECandidate(func(*webrtc.ICECandidate)) (unsubscribe func())
	OnTrack(func(RemoteTrack)) (unsubscribe func())

	GetStats() webrtc.StatsReport
	Close() error
}

// PeerFactory creates peers configured with the session's ICE servers.
type PeerFactory interface {
	NewPeer() (Peer, error)
}
