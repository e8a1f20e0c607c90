package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/giantstar-manager/warudo-cam/internal/config"
	"github.com/giantstar-manager/warudo-cam/internal/monitoring"
	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
	"github.com/giantstar-manager/warudo-cam/internal/session"
	"github.com/giantstar-manager/warudo-cam/internal/stats"
)

// serverManager runs the optional side servers for the lifetime of ctx.
type serverManager struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	group    *errgroup.Group
	ctx      context.Context
	turn     *rtcManager.TURNServer
}

func newServerManager(ctx context.Context, cfg config.Config, logger *zap.Logger) *serverManager {
	group, ctx := errgroup.WithContext(ctx)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &serverManager{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		group:    group,
		ctx:      ctx,
	}
}

// startRelay starts the TURN relay and returns the ICE config that forces
// peers through it.
func (sm *serverManager) startRelay(ice config.ICE) (config.ICE, error) {
	sm.turn = rtcManager.NewTURNServer(sm.cfg.TURN, sm.logger.Named("turn"))
	if err := sm.turn.Start(sm.ctx); err != nil {
		return ice, fmt.Errorf("failed to start TURN relay: %w", err)
	}
	ice.Servers = []config.ICEServer{sm.turn.ICEServer()}
	ice.RelayOnly = true
	return ice, nil
}

func (sm *serverManager) startMetrics(addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           monitoring.Handler(sm.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sm.group.Go(func() error {
		sm.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	sm.group.Go(func() error {
		<-sm.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Wait blocks until ctx ends or a server fails, then stops the relay.
func (sm *serverManager) Wait() error {
	sm.group.Go(func() error {
		<-sm.ctx.Done()
		return nil
	})
	err := sm.group.Wait()
	if sm.turn != nil {
		if stopErr := sm.turn.Stop(); stopErr != nil {
			sm.logger.Warn("failed to stop TURN relay", zap.Error(stopErr))
		}
	}
	return err
}

func newEngine(cfg config.Config, factory rtcManager.PeerFactory, logger *zap.Logger, reg prometheus.Registerer, name string) *session.Engine {
	named := logger.Named(name)
	e := session.New(cfg, factory,
		session.WithLogger(named),
		session.WithCollector(monitoring.NewCollector(reg, name)))

	_, _ = e.OnReconnect(func(a session.ReconnectAttempt) {
		named.Warn("reconnecting", zap.Int("attempt", a.Attempt), zap.Int("max", a.MaxAttempts), zap.String("reason", a.Reason))
	})
	_, _ = e.OnReconnectFailed(func(f session.ReconnectFailure) {
		named.Error("gave up reconnecting", zap.Int("attempts", f.Attempts), zap.Error(f.Err))
	})
	_, _ = e.OnMetrics(func(m stats.Metrics) {
		named.Info("stream health",
			zap.Float64("bitrate_bps", m.BitrateBps),
			zap.Uint32("width", m.Resolution.Width),
			zap.Uint32("height", m.Resolution.Height),
			zap.Float64("fps", m.FPS),
			zap.Float64("loss_pct", m.PacketLossPercent),
			zap.Float64("rtt_s", m.RoundTripTimeSeconds),
			zap.String("codec", m.Codec))
	})
	_, _ = e.OnRemoteTrack(func(t rtcManager.RemoteTrack) {
		drainRemote(t, named)
	})
	return e
}

// drainRemote reads a pion remote track until it ends so that receive
// stats keep moving.
func drainRemote(t rtcManager.RemoteTrack, logger *zap.Logger) {
	remote, ok := t.(*webrtc.TrackRemote)
	if !ok {
		return
	}
	go func() {
		var packets int
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				logger.Debug("remote track ended", zap.String("track", remote.ID()), zap.Int("packets", packets), zap.Error(err))
				return
			}
			packets++
		}
	}()
}

func runLoopback(c *cli.Context) error {
	cfg, logger, err := getConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext(c)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancel()

	sm := newServerManager(ctx, cfg, logger)
	if cfg.TURN.Enabled {
		if cfg.ICE, err = sm.startRelay(cfg.ICE); err != nil {
			return err
		}
	}
	if c.Bool("metrics") || cfg.Metrics.Enabled {
		sm.startMetrics(cfg.Metrics.ListenAddr)
	}

	mgr, err := rtcManager.NewManager(cfg.ICE, logger.Named("rtc"))
	if err != nil {
		return err
	}
	caller := newEngine(cfg, mgr, logger, sm.registry, "caller")
	callee := newEngine(cfg, mgr, logger, sm.registry, "callee")
	defer func() {
		if err := caller.Close(); err != nil {
			logger.Debug("caller close", zap.Error(err))
		}
		if err := callee.Close(); err != nil {
			logger.Debug("callee close", zap.Error(err))
		}
	}()

	_, _ = caller.OnStateChange(func(s session.ConnectionState) {
		logger.Info("caller state", zap.Stringer("state", s))
	})
	_, _ = callee.OnStateChange(func(s session.ConnectionState) {
		logger.Info("callee state", zap.Stringer("state", s))
	})

	stream, err := openTestPattern(cfg.Media, logger)
	if err != nil {
		return err
	}

	negotiate := func(ctx context.Context) error {
		offer, err := caller.CreateOffer(ctx)
		if err != nil {
			return err
		}
		answer, err := callee.CreateAnswer(ctx, offer)
		if err != nil {
			return err
		}
		return caller.AcceptAnswer(ctx, answer)
	}

	// A rebuilt caller is stable again, so a fresh round keeps both sides
	// on the same description.
	_, _ = caller.OnLocalDescription(func(webrtc.SessionDescription) {
		go func() {
			if err := negotiate(ctx); err != nil {
				logger.Warn("renegotiation after rebuild failed", zap.Error(err))
			}
		}()
	})

	if _, err := callee.CreateSession(false, nil); err != nil {
		return err
	}
	if _, err := caller.CreateSession(true, stream); err != nil {
		return err
	}
	if err := negotiate(ctx); err != nil {
		return err
	}

	caller.StartStatsPolling(cfg.Stats.Interval)
	callee.StartStatsPolling(cfg.Stats.Interval)

	if err := sm.Wait(); err != nil {
		return err
	}
	logger.Info("loopback finished",
		zap.Stringer("caller", caller.ConnectionState()),
		zap.Stringer("callee", callee.ConnectionState()),
		zap.Int("samples", len(caller.RecentMetrics(cfg.Stats.History))))
	return nil
}
