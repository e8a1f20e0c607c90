package rtcManager

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/config"
)

// Manager builds the pion API once and hands out peers that share it.
type Manager struct {
	api             *webrtc.API
	pcConfiguration webrtc.Configuration
	codecs          []webrtc.RTPCodecParameters
	logger          *zap.Logger
}

// NewManager configures the media engine, interceptors and ICE settings.
func NewManager(cfg config.ICE, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.L().Named("rtc")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, err
	}

	// NACK, RTCP reports, TWCC and stats interceptors.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.PortRange.Min != 0 || cfg.PortRange.Max != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid ICE port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pcConfiguration := webrtc.Configuration{
		ICEServers:         ICEServers(cfg.Servers),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
	}
	if cfg.RelayOnly {
		pcConfiguration.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	logger.Info("rtc manager initialized",
		zap.Int("ice_servers", len(pcConfiguration.ICEServers)),
		zap.Bool("relay_only", cfg.RelayOnly),
		zap.Int("video_codecs", len(VideoCodecs)))

	return &Manager{
		api:             api,
		pcConfiguration: pcConfiguration,
		codecs:          filterKind(VideoCodecs, webrtc.RTPCodecTypeVideo),
		logger:          logger,
	}, nil
}

// ICEServers converts configured servers into pion's form.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// NewPeer creates a fresh peer connection.
func (m *Manager) NewPeer() (Peer, error) {
	pc, err := m.api.NewPeerConnection(m.pcConfiguration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPionPeer(pc, m.codecs, m.logger), nil
}
