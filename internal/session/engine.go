// Package session drives a single peer-to-peer media session: negotiation,
// state tracking, tiered recovery and stats polling.
package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/codec"
	"github.com/giantstar-manager/warudo-cam/internal/config"
	"github.com/giantstar-manager/warudo-cam/internal/logging"
	"github.com/giantstar-manager/warudo-cam/internal/monitoring"
	"github.com/giantstar-manager/warudo-cam/internal/quality"
	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
	"github.com/giantstar-manager/warudo-cam/internal/stats"
)

// LocalSource supplies the tracks a caller publishes.
type LocalSource interface {
	Tracks() []rtcManager.LocalTrack
}

// MediaConfig is the active codec and target bitrate.
type MediaConfig struct {
	Codec   codec.Family
	Bitrate float64
}

// Options is a partial media update. Nil fields are left unchanged.
type Options struct {
	Codec   *string
	Bitrate *float64
}

type ReconnectAttempt struct {
	Attempt     int
	MaxAttempts int
	Reason      string
}

// ReconnectFailure is emitted once when full reconnects are exhausted.
type ReconnectFailure struct {
	Attempts int
	Reason   string
	Err      error
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithCollector(c *monitoring.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithDescriptionValidator replaces the check run on inbound remote
// descriptions. A nil validator disables it.
func WithDescriptionValidator(v func(webrtc.SessionDescription) error) Option {
	return func(e *Engine) { e.validate = v }
}

type session struct {
	id         string
	generation uint64
	caller     bool
	peer       rtcManager.Peer
	local      LocalSource
	logger     *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
}

// Engine owns at most one session at a time. All state below mu is guarded
// by it; substrate calls and observer callbacks run without it.
type Engine struct {
	cfg       config.Config
	factory   rtcManager.PeerFactory
	logger    *zap.Logger
	clock     clock.Clock
	collector *monitoring.Collector
	validate  func(webrtc.SessionDescription) error
	machine   *stateMachine
	history   *stats.History

	mu         sync.Mutex
	media      MediaConfig
	sess       *session
	generation uint64
	lastRemote *webrtc.SessionDescription
	remote     rtcManager.RemoteTrack

	restarts       int
	restartTimer   *clock.Timer
	restartSeq     uint64
	restartBackoff *backoff.ExponentialBackOff

	recoveryEpoch    uint64
	reconnects       int
	reconnecting     bool
	exhausted        bool
	reconnectTimer   *clock.Timer
	reconnectSeq     uint64
	reconnectBackoff *backoff.ExponentialBackOff

	pollerEpoch uint64
	pollerStop  chan struct{}
	prevSample  stats.Sample
	sampleGen   uint64

	stateObs     observers[ConnectionState]
	trackObs     observers[rtcManager.RemoteTrack]
	metricsObs   observers[stats.Metrics]
	attemptObs   observers[ReconnectAttempt]
	failureObs   observers[ReconnectFailure]
	localDescObs observers[webrtc.SessionDescription]
}

// New builds an engine from a validated config.
func New(cfg config.Config, factory rtcManager.PeerFactory, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		factory:  factory,
		clock:    clock.New(),
		validate: rtcManager.ValidateRemoteDescription,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrGlobal(e.logger, "session")

	family, err := codec.ParseFamily(cfg.Media.Codec)
	if err != nil {
		e.logger.Warn("unknown codec in config, using default",
			zap.String("codec", cfg.Media.Codec), zap.String("default", config.DefaultCodec))
		family = codec.Family(config.DefaultCodec)
	}
	e.media = MediaConfig{Codec: family, Bitrate: e.clampBitrate(cfg.Media.Bitrate)}

	e.machine = newStateMachine(e.logger)
	e.history = stats.NewHistory(cfg.Stats.History)
	e.restartBackoff = newBackoff(cfg.Reconnect)
	e.reconnectBackoff = newBackoff(cfg.Reconnect)

	e.stateObs = observers[ConnectionState]{name: "state", logger: e.logger, collector: e.collector}
	e.trackObs = observers[rtcManager.RemoteTrack]{name: "remote_track", logger: e.logger, collector: e.collector}
	e.metricsObs = observers[stats.Metrics]{name: "metrics", logger: e.logger, collector: e.collector}
	e.attemptObs = observers[ReconnectAttempt]{name: "reconnect", logger: e.logger, collector: e.collector}
	e.failureObs = observers[ReconnectFailure]{name: "reconnect_failed", logger: e.logger, collector: e.collector}
	e.localDescObs = observers[webrtc.SessionDescription]{name: "local_description", logger: e.logger, collector: e.collector}
	return e
}

func newBackoff(cfg config.Reconnect) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (e *Engine) clampBitrate(b float64) float64 {
	return math.Round(math.Max(b, e.cfg.Media.MinBitrate))
}

// Configure merges opts into the media config and re-tunes the active
// session. Invalid input leaves the config untouched.
func (e *Engine) Configure(opts Options) (MediaConfig, error) {
	var (
		family  codec.Family
		bitrate float64
	)
	if opts.Codec != nil {
		f, err := codec.ParseFamily(*opts.Codec)
		if err != nil {
			return e.Config(), fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		family = f
	}
	if opts.Bitrate != nil {
		b := *opts.Bitrate
		if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
			return e.Config(), fmt.Errorf("%w: bitrate must be a positive number, got %v", ErrInvalidConfig, b)
		}
		bitrate = e.clampBitrate(b)
	}

	e.mu.Lock()
	if opts.Codec != nil {
		e.media.Codec = family
	}
	if opts.Bitrate != nil {
		e.media.Bitrate = bitrate
	}
	media := e.media
	sess := e.sess
	e.mu.Unlock()

	e.logger.Info("media config updated",
		zap.String("codec", string(media.Codec)), zap.Float64("bitrate", media.Bitrate))
	if sess != nil {
		e.applyMediaTuning(sess)
	}
	return media, nil
}

func (e *Engine) Config() MediaConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.media
}

// CreateSession replaces any prior session with a fresh peer. A caller
// publishes the tracks of local; a callee only receives.
func (e *Engine) CreateSession(caller bool, local LocalSource) (string, error) {
	peer, err := e.factory.NewPeer()
	if err != nil {
		return "", negotiationError("create peer", err)
	}

	var tracks []rtcManager.LocalTrack
	if local != nil {
		tracks = local.Tracks()
	}
	quality.HintTracks(tracks)
	if caller {
		if err := attachTracks(peer, tracks); err != nil {
			_ = peer.Close()
			return "", err
		}
	}

	e.mu.Lock()
	old := e.sess
	e.stopPollerLocked()
	e.resetRecoveryLocked()
	e.generation++
	sess := e.newSessionLocked(uuid.NewString(), caller, peer, local)
	e.lastRemote = nil
	e.remote = nil
	e.machine.Reset()
	e.mu.Unlock()

	if old != nil {
		e.teardown(old, true, newTrackSet(tracks))
		e.emitState(StateClosed)
	}

	e.wire(sess)
	e.collector.SessionCreated()
	sess.logger.Info("session created", zap.Bool("caller", caller), zap.Int("tracks", len(tracks)))

	e.applyMediaTuning(sess)
	e.emitState(StateNew)
	return sess.id, nil
}

func attachTracks(peer rtcManager.Peer, tracks []rtcManager.LocalTrack) error {
	for _, t := range tracks {
		if _, err := peer.AddTrack(t); err != nil {
			return negotiationError("add track", fmt.Errorf("track %s: %w", t.ID(), err))
		}
	}
	return nil
}

func (e *Engine) newSessionLocked(id string, caller bool, peer rtcManager.Peer, local LocalSource) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:         id,
		generation: e.generation,
		caller:     caller,
		peer:       peer,
		local:      local,
		logger:     e.logger.With(zap.String("session_id", id), zap.Uint64("generation", e.generation)),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.sess = sess
	return sess
}

// SessionID returns the active session ID, or "" when there is none.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.id
}

func (e *Engine) ConnectionState() ConnectionState {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return StateClosed
	}
	return CanonicalState(sess.peer.ConnectionState(), sess.peer.ICEConnectionState())
}

// Close tears down the session and its local media. It is safe to call
// with no session.
func (e *Engine) Close() error {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.stopPollerLocked()
	e.resetRecoveryLocked()
	e.lastRemote = nil
	e.remote = nil
	e.prevSample = stats.Sample{}
	e.generation++
	e.mu.Unlock()

	var err error
	if sess != nil {
		err = e.teardown(sess, true, nil)
		sess.logger.Info("session closed")
	}
	e.emitState(StateClosed)
	return err
}

func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoActiveSession
	}
	return e.sess, nil
}

func (e *Engine) isCurrent(sess *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess == sess
}

// wire subscribes the engine to sess's peer. Every callback is fenced by
// the session it was registered for.
func (e *Engine) wire(sess *session) {
	peer := sess.peer
	unsubs := []func(){
		peer.OnConnectionStateChange(func(webrtc.PeerConnectionState) { e.onConnectivity(sess) }),
		peer.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) { e.onConnectivity(sess) }),
		peer.OnTrack(func(t rtcManager.RemoteTrack) { e.onRemoteTrack(sess, t) }),
	}
	e.mu.Lock()
	sess.unsubscribe = unsubs
	e.mu.Unlock()
}

// trackSet identifies local tracks by stream and track ID.
type trackSet map[string]struct{}

func trackKey(t webrtc.TrackLocal) string {
	return t.StreamID() + "/" + t.ID()
}

func newTrackSet(tracks []rtcManager.LocalTrack) trackSet {
	set := make(trackSet, len(tracks))
	for _, t := range tracks {
		set[trackKey(t)] = struct{}{}
	}
	return set
}

// teardown detaches and closes sess's peer. With stopLocal the sender
// tracks and the local source are stopped too, except those in keep, which
// the replacing session still publishes.
func (e *Engine) teardown(sess *session, stopLocal bool, keep trackSet) error {
	sess.cancel()

	e.mu.Lock()
	unsubs := sess.unsubscribe
	sess.unsubscribe = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	var err error
	stopped := map[string]bool{}
	stop := func(t webrtc.TrackLocal) {
		c, ok := t.(interface{ Close() error })
		if !ok {
			return
		}
		key := trackKey(t)
		if _, ok := keep[key]; ok || stopped[key] {
			return
		}
		stopped[key] = true
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("stop track %s: %w", t.ID(), cerr))
		}
	}

	if stopLocal {
		for _, s := range sess.peer.Senders() {
			if t := s.Track(); t != nil {
				stop(t)
			}
		}
	}
	if cerr := sess.peer.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close peer: %w", cerr))
	}
	if stopLocal && sess.local != nil {
		for _, t := range sess.local.Tracks() {
			stop(t)
		}
	}

	if err != nil {
		sess.logger.Debug("teardown finished with errors", zap.Error(err))
	}
	return err
}

func (e *Engine) onConnectivity(sess *session) {
	if !e.isCurrent(sess) {
		return
	}
	state := CanonicalState(sess.peer.ConnectionState(), sess.peer.ICEConnectionState())
	e.emitState(state)

	switch state {
	case StateConnected:
		e.onConnected(sess)
	case StateDisconnected, StateFailed:
		e.onDegraded(sess, state)
	}
}

func (e *Engine) emitState(state ConnectionState) {
	if _, changed := e.machine.Observe(context.Background(), state); changed {
		e.logger.Info("connection state changed", zap.String("state", string(state)))
	}
	e.collector.ObserveState(string(state))
	e.stateObs.notify(state)
}

func (e *Engine) onRemoteTrack(sess *session, t rtcManager.RemoteTrack) {
	if t == nil || t.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.remote = t
	e.mu.Unlock()

	sess.logger.Info("remote video track", zap.String("track", t.ID()), zap.String("stream", t.StreamID()))
	e.trackObs.notify(t)
}

// applyMediaTuning re-applies codec preference and sender bounds. Failures
// are logged and never surfaced.
func (e *Engine) applyMediaTuning(sess *session) {
	media := e.Config()
	e.applyCodecPreference(sess, media.Codec)

	res := quality.Tuner{Bitrate: media.Bitrate, Floor: e.cfg.Media.MinBitrate}.Apply(sess.peer.Senders())
	if res.Err != nil {
		sess.logger.Debug("sender tuning incomplete", zap.Int("tuned", res.Tuned), zap.Error(res.Err))
	}
}

func (e *Engine) applyCodecPreference(sess *session, family codec.Family) {
	trs := sess.peer.Transceivers()
	prefs := make([]codec.Preferable, 0, len(trs))
	for _, t := range trs {
		prefs = append(prefs, t)
	}
	res := codec.Apply(family, sess.peer.CodecCapabilities(), prefs)
	if res.Err != nil {
		sess.logger.Debug("codec preference incomplete",
			zap.String("codec", string(family)), zap.Int("applied", res.Applied), zap.Error(res.Err))
	}
}

func (e *Engine) OnStateChange(fn func(ConnectionState)) (func(), error) {
	unsub, err := e.stateObs.add(fn)
	if err != nil {
		return nil, err
	}
	e.stateObs.call(fn, e.ConnectionState())
	return unsub, nil
}

// OnRemoteTrack also replays the current remote video track, if any.
func (e *Engine) OnRemoteTrack(fn func(rtcManager.RemoteTrack)) (func(), error) {
	unsub, err := e.trackObs.add(fn)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.remote
	e.mu.Unlock()
	if t != nil {
		e.trackObs.call(fn, t)
	}
	return unsub, nil
}

func (e *Engine) OnMetrics(fn func(stats.Metrics)) (func(), error) {
	return e.metricsObs.add(fn)
}

func (e *Engine) OnReconnect(fn func(ReconnectAttempt)) (func(), error) {
	return e.attemptObs.add(fn)
}

func (e *Engine) OnReconnectFailed(fn func(ReconnectFailure)) (func(), error) {
	return e.failureObs.add(fn)
}

// OnLocalDescription reports descriptions regenerated by a rebuild, which
// have to be signalled to the remote side again.
func (e *Engine) OnLocalDescription(fn func(webrtc.SessionDescription)) (func(), error) {
	return e.localDescObs.add(fn)
}

func (e *Engine) timeSince(start time.Time) time.Duration {
	return e.clock.Since(start)
}
