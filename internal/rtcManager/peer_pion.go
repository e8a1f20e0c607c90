package rtcManager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// pionPeer adapts *webrtc.PeerConnection to Peer. pion keeps a single
// callback per event, so every event is installed once and fanned out.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	codecs []webrtc.RTPCodecParameters
	logger *zap.Logger

	restartPending atomic.Bool
	closed         atomic.Bool

	mu     sync.Mutex
	params map[*webrtc.RTPSender]SendParameters

	connHandlers      handlerSet[webrtc.PeerConnectionState]
	iceHandlers       handlerSet[webrtc.ICEConnectionState]
	candidateHandlers handlerSet[*webrtc.ICECandidate]
	trackHandlers     handlerSet[RemoteTrack]
}

func newPionPeer(pc *webrtc.PeerConnection, codecs []webrtc.RTPCodecParameters, logger *zap.Logger) *pionPeer {
	p := &pionPeer{
		pc:     pc,
		codecs: codecs,
		logger: logger,
		params: make(map[*webrtc.RTPSender]SendParameters),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		p.connHandlers.emit(state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		p.iceHandlers.emit(state)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		p.candidateHandlers.emit(c)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()),
			zap.String("codec", track.Codec().MimeType))
		p.trackHandlers.emit(track)
	})
	return p
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}
	s, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Interceptors only see RTCP that is read off the sender.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionSender{peer: p, sender: s}, nil
}

func (p *pionPeer) Senders() []Sender {
	senders := p.pc.GetSenders()
	out := make([]Sender, 0, len(senders))
	for _, s := range senders {
		if s == nil {
			continue
		}
		out = append(out, &pionSender{peer: p, sender: s})
	}
	return out
}

func (p *pionPeer) Transceivers() []Transceiver {
	trs := p.pc.GetTransceivers()
	out := make([]Transceiver, 0, len(trs))
	for _, t := range trs {
		out = append(out, pionTransceiver{t})
	}
	return out
}

func (p *pionPeer) CodecCapabilities() []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, len(p.codecs))
	copy(out, p.codecs)
	return out
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	restart := p.restartPending.Swap(false) || iceRestart
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// LocalDescription returns the current local description with the send
// bitrate written into the video sections.
func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	desc := p.pc.LocalDescription()
	if desc == nil {
		return nil
	}
	out := *desc

	if bps := p.maxBitrate(); bps > 0 {
		munged, err := applyBandwidth(out.SDP, bps)
		if err != nil {
			p.logger.Warn("failed to write bandwidth into local description", zap.Error(err))
		} else {
			out.SDP = munged
		}
	}
	return &out
}

func (p *pionPeer) maxBitrate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var highest uint64
	for _, params := range p.params {
		for _, enc := range params.Encodings {
			if enc.MaxBitrate > highest {
				highest = enc.MaxBitrate
			}
		}
	}
	return highest
}

// RestartICE flags the next offer as an ICE restart. pion has no in-place
// restart; new credentials are only generated by an offer.
func (p *pionPeer) RestartICE() error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.restartPending.Store(true)
	return nil
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeer) ICEGatheringState() webrtc.ICEGatheringState {
	return p.pc.ICEGatheringState()
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) func() {
	return p.connHandlers.add(fn)
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) func() {
	return p.iceHandlers.add(fn)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) func() {
	return p.candidateHandlers.add(fn)
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) func() {
	return p.trackHandlers.add(fn)
}

func (p *pionPeer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *pionPeer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.pc.Close()

	p.connHandlers.clear()
	p.iceHandlers.clear()
	p.candidateHandlers.clear()
	p.trackHandlers.clear()

	p.mu.Lock()
	p.params = make(map[*webrtc.RTPSender]SendParameters)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

type pionSender struct {
	peer   *pionPeer
	sender *webrtc.RTPSender
}

func (s *pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

// GetParameters merges what pion reports about the encodings with the
// tunables stored by the last SetParameters.
func (s *pionSender) GetParameters() SendParameters {
	s.peer.mu.Lock()
	stored, ok := s.peer.params[s.sender]
	s.peer.mu.Unlock()

	base := s.sender.GetParameters()
	out := SendParameters{DegradationPreference: stored.DegradationPreference}
	for i, enc := range base.Encodings {
		e := EncodingParameters{RID: enc.RID, SSRC: enc.SSRC}
		if ok && i < len(stored.Encodings) {
			e.MaxBitrate = stored.Encodings[i].MaxBitrate
			e.MinBitrate = stored.Encodings[i].MinBitrate
			e.DegradationPreference = stored.Encodings[i].DegradationPreference
		}
		out.Encodings = append(out.Encodings, e)
	}
	return out
}

func (s *pionSender) SetParameters(params SendParameters) error {
	if s.peer.closed.Load() {
		return ErrPeerClosed
	}
	if len(params.Encodings) == 0 {
		return fmt.Errorf("%w: no encodings", ErrInvalidParameters)
	}
	for i, enc := range params.Encodings {
		if enc.MaxBitrate != 0 && enc.MinBitrate > enc.MaxBitrate {
			return fmt.Errorf("%w: encoding %d min bitrate %d exceeds max %d", ErrInvalidParameters, i, enc.MinBitrate, enc.MaxBitrate)
		}
	}

	cp := SendParameters{
		DegradationPreference: params.DegradationPreference,
		Encodings:             append([]EncodingParameters(nil), params.Encodings...),
	}
	s.peer.mu.Lock()
	s.peer.params[s.sender] = cp
	s.peer.mu.Unlock()
	return nil
}

type pionTransceiver struct {
	t *webrtc.RTPTransceiver
}

func (t pionTransceiver) Kind() webrtc.RTPCodecType { return t.t.Kind() }
func (t pionTransceiver) Mid() string               { return t.t.Mid() }

// SetCodecPreferences drops codecs of the other kind; pion rejects the whole
// list when one entry does not fit the transceiver.
func (t pionTransceiver) SetCodecPreferences(codecs []webrtc.RTPCodecParameters) error {
	filtered := filterKind(codecs, t.t.Kind())
	if len(filtered) == 0 {
		return errors.New("no codecs of the transceiver kind")
	}
	return t.t.SetCodecPreferences(filtered)
}
