// Package rtctest provides in-memory implementations of the rtcManager
// interfaces for tests.
package rtctest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

// Peer is a scriptable rtcManager.Peer. Descriptions are opaque strings and
// gathering completes on SetLocalDescription unless ManualGathering is set.
type Peer struct {
	mu sync.Mutex

	connState   webrtc.PeerConnectionState
	iceState    webrtc.ICEConnectionState
	gatherState webrtc.ICEGatheringState
	gatherDone  chan struct{}

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	codecs       []webrtc.RTPCodecParameters
	senders      []*Sender
	transceivers []*Transceiver
	report       webrtc.StatsReport

	ManualGathering bool

	CreateOfferErr  error
	CreateAnswerErr error
	SetLocalErr     error
	SetRemoteErr    error
	RestartErr      error

	// BeforeStats runs at the start of every GetStats call.
	BeforeStats func()

	offers       []bool
	answers      int
	restartCalls int
	restartFlag  bool
	closed       bool

	nextID        int64
	connHandlers  map[int64]func(webrtc.PeerConnectionState)
	iceHandlers   map[int64]func(webrtc.ICEConnectionState)
	candHandlers  map[int64]func(*webrtc.ICECandidate)
	trackHandlers map[int64]func(rtcManager.RemoteTrack)
}

func NewPeer(codecs ...webrtc.RTPCodecParameters) *Peer {
	if len(codecs) == 0 {
		codecs = rtcManager.VideoCodecs
	}
	return &Peer{
		connState:     webrtc.PeerConnectionStateNew,
		iceState:      webrtc.ICEConnectionStateNew,
		gatherState:   webrtc.ICEGatheringStateNew,
		gatherDone:    make(chan struct{}),
		codecs:        append([]webrtc.RTPCodecParameters(nil), codecs...),
		connHandlers:  map[int64]func(webrtc.PeerConnectionState){},
		iceHandlers:   map[int64]func(webrtc.ICEConnectionState){},
		candHandlers:  map[int64]func(*webrtc.ICECandidate){},
		trackHandlers: map[int64]func(rtcManager.RemoteTrack){},
	}
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (rtcManager.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, rtcManager.ErrPeerClosed
	}
	s := &Sender{track: track}
	p.senders = append(p.senders, s)
	p.transceivers = append(p.transceivers, &Transceiver{
		kind: track.Kind(),
		mid:  strconv.Itoa(len(p.transceivers)),
	})
	return s, nil
}

// AddTransceiver appends a transceiver without a sender.
func (p *Peer) AddTransceiver(t *Transceiver) {
	p.mu.Lock()
	p.transceivers = append(p.transceivers, t)
	p.mu.Unlock()
}

func (p *Peer) Senders() []rtcManager.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rtcManager.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

// FakeSenders exposes the concrete senders for assertions.
func (p *Peer) FakeSenders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

func (p *Peer) Transceivers() []rtcManager.Transceiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rtcManager.Transceiver, 0, len(p.transceivers))
	for _, t := range p.transceivers {
		out = append(out, t)
	}
	return out
}

func (p *Peer) FakeTransceivers() []*Transceiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Transceiver(nil), p.transceivers...)
}

func (p *Peer) CodecCapabilities() []webrtc.RTPCodecParameters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.RTPCodecParameters(nil), p.codecs...)
}

func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, p.CreateOfferErr
	}
	restart := iceRestart || p.restartFlag
	p.restartFlag = false
	p.offers = append(p.offers, restart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(p.offers))}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, p.CreateAnswerErr
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.SetLocalErr != nil {
		p.mu.Unlock()
		return p.SetLocalErr
	}
	p.local = &desc
	if p.gatherState == webrtc.ICEGatheringStateComplete {
		p.gatherDone = make(chan struct{})
	}
	p.gatherState = webrtc.ICEGatheringStateGathering
	manual := p.ManualGathering
	p.mu.Unlock()

	if !manual {
		p.CompleteGathering()
	}
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	p.remote = &desc
	return nil
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	d := *p.local
	return &d
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil
	}
	d := *p.remote
	return &d
}

func (p *Peer) RestartICE() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restartCalls++
	if p.RestartErr != nil {
		return p.RestartErr
	}
	p.restartFlag = true
	return nil
}

// RestartCalls counts RestartICE invocations.
func (p *Peer) RestartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCalls
}

// Offers lists the ICE restart flag of every created offer.
func (p *Peer) Offers() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceState
}

func (p *Peer) ICEGatheringState() webrtc.ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gatherState
}

func (p *Peer) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gatherDone
}

// CompleteGathering marks gathering complete and closes GatheringComplete.
// A later SetLocalDescription starts a new gathering round.
func (p *Peer) CompleteGathering() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gatherState == webrtc.ICEGatheringStateComplete {
		return
	}
	p.gatherState = webrtc.ICEGatheringStateComplete
	close(p.gatherDone)
}

// SetConnectionState updates the state and notifies subscribers.
func (p *Peer) SetConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	handlers := snapshot(p.connHandlers)
	p.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// SetICEConnectionState updates the ICE state and notifies subscribers.
func (p *Peer) SetICEConnectionState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.iceState = state
	handlers := snapshot(p.iceHandlers)
	p.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// EmitCandidate delivers c to candidate subscribers; nil ends gathering.
func (p *Peer) EmitCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	handlers := snapshot(p.candHandlers)
	p.mu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}

func (p *Peer) EmitTrack(t rtcManager.RemoteTrack) {
	p.mu.Lock()
	handlers := snapshot(p.trackHandlers)
	p.mu.Unlock()
	for _, h := range handlers {
		h(t)
	}
}

// CandidateListeners reports how many candidate subscribers are registered.
func (p *Peer) CandidateListeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candHandlers)
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) func() {
	return subscribe(p, p.connHandlers, fn)
}

func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) func() {
	return subscribe(p, p.iceHandlers, fn)
}

func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) func() {
	return subscribe(p, p.candHandlers, fn)
}

func (p *Peer) OnTrack(fn func(rtcManager.RemoteTrack)) func() {
	return subscribe(p, p.trackHandlers, fn)
}

// SetStats sets the report GetStats returns.
func (p *Peer) SetStats(report webrtc.StatsReport) {
	p.mu.Lock()
	p.report = report
	p.mu.Unlock()
}

func (p *Peer) GetStats() webrtc.StatsReport {
	if p.BeforeStats != nil {
		p.BeforeStats()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connState = webrtc.PeerConnectionStateClosed
	p.iceState = webrtc.ICEConnectionStateClosed
	handlers := snapshot(p.connHandlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func subscribe[T any](p *Peer, m map[int64]func(T), fn func(T)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	m[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(m, id)
		p.mu.Unlock()
	}
}

func snapshot[T any](m map[int64]func(T)) []func(T) {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// Sender records the parameters set on it.
type Sender struct {
	mu     sync.Mutex
	track  webrtc.TrackLocal
	params rtcManager.SendParameters
	sets   int
	Err    error
}

func NewSender(track webrtc.TrackLocal) *Sender {
	return &Sender{track: track}
}

func (s *Sender) Track() webrtc.TrackLocal { return s.track }

func (s *Sender) GetParameters() rtcManager.SendParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.params
	out.Encodings = append([]rtcManager.EncodingParameters(nil), s.params.Encodings...)
	return out
}

func (s *Sender) SetParameters(params rtcManager.SendParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.Err != nil {
		return s.Err
	}
	s.params = params
	return nil
}

// Sets counts SetParameters calls, failed ones included.
func (s *Sender) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type Transceiver struct {
	mu    sync.Mutex
	kind  webrtc.RTPCodecType
	mid   string
	prefs []webrtc.RTPCodecParameters
	calls int
	Err   error
}

func NewTransceiver(kind webrtc.RTPCodecType, mid string) *Transceiver {
	return &Transceiver{kind: kind, mid: mid}
}

func (t *Transceiver) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Transceiver) Mid() string               { return t.mid }

func (t *Transceiver) SetCodecPreferences(c []webrtc.RTPCodecParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.Err != nil {
		return t.Err
	}
	t.prefs = append([]webrtc.RTPCodecParameters(nil), c...)
	return nil
}

func (t *Transceiver) Preferences() []webrtc.RTPCodecParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.RTPCodecParameters(nil), t.prefs...)
}

func (t *Transceiver) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Track is a local track that records hints and closes.
type Track struct {
	mu     sync.Mutex
	id     string
	kind   webrtc.RTPCodecType
	hint   string
	closed bool
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *Track) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *Track) ID() string                            { return t.id }
func (t *Track) RID() string                           { return "" }
func (t *Track) StreamID() string                      { return "fake-stream" }
func (t *Track) Kind() webrtc.RTPCodecType             { return t.kind }

func (t *Track) SetContentHint(hint string) {
	t.mu.Lock()
	t.hint = hint
	t.mu.Unlock()
}

func (t *Track) ContentHint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hint
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RemoteTrack is an incoming track stub.
type RemoteTrack struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (r RemoteTrack) ID() string                { return r.TrackID }
func (r RemoteTrack) StreamID() string          { return r.Stream }
func (r RemoteTrack) Kind() webrtc.RTPCodecType { return r.Type }

// Factory hands out fresh Peers and remembers them.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
	Err   error
	// Configure runs on every new peer before it is returned.
	Configure func(n int, p *Peer)
}

func (f *Factory) NewPeer() (rtcManager.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := NewPeer()
	if f.Configure != nil {
		f.Configure(len(f.peers), p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created peer.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
