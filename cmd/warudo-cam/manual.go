package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
	"github.com/giantstar-manager/warudo-cam/internal/session"
)

// printDescription writes an encoded description on its own line.
func printDescription(desc webrtc.SessionDescription) error {
	enc, err := encode(desc)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func runOffer(c *cli.Context) error {
	cfg, logger, err := getConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext(c)
	defer stop()

	sm := newServerManager(ctx, cfg, logger)
	if cfg.TURN.Enabled {
		if cfg.ICE, err = sm.startRelay(cfg.ICE); err != nil {
			return err
		}
	}
	mgr, err := rtcManager.NewManager(cfg.ICE, logger.Named("rtc"))
	if err != nil {
		return err
	}
	engine := newEngine(cfg, mgr, logger, sm.registry, "caller")
	defer engine.Close()

	_, _ = engine.OnStateChange(func(s session.ConnectionState) {
		logger.Info("connection state", zap.Stringer("state", s))
	})
	_, _ = engine.OnLocalDescription(func(desc webrtc.SessionDescription) {
		fmt.Fprintln(os.Stderr, "peer was rebuilt, send this description to the remote side:")
		if err := printDescription(desc); err != nil {
			logger.Warn("failed to print description", zap.Error(err))
		}
	})

	stream, err := openTestPattern(cfg.Media, logger)
	if err != nil {
		return err
	}
	if _, err := engine.CreateSession(true, stream); err != nil {
		return err
	}

	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "offer (paste into the answering side):")
	if err := printDescription(offer); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "paste the answer:")
	answer, err := readDescription(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	if err := engine.AcceptAnswer(ctx, answer); err != nil {
		return err
	}

	engine.StartStatsPolling(cfg.Stats.Interval)
	return sm.Wait()
}

func runAnswer(c *cli.Context) error {
	cfg, logger, err := getConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext(c)
	defer stop()

	sm := newServerManager(ctx, cfg, logger)
	mgr, err := rtcManager.NewManager(cfg.ICE, logger.Named("rtc"))
	if err != nil {
		return err
	}
	engine := newEngine(cfg, mgr, logger, sm.registry, "callee")
	defer engine.Close()

	_, _ = engine.OnStateChange(func(s session.ConnectionState) {
		logger.Info("connection state", zap.Stringer("state", s))
	})
	_, _ = engine.OnLocalDescription(func(desc webrtc.SessionDescription) {
		fmt.Fprintln(os.Stderr, "peer was rebuilt, send this answer to the offering side:")
		if err := printDescription(desc); err != nil {
			logger.Warn("failed to print description", zap.Error(err))
		}
	})

	if _, err := engine.CreateSession(false, nil); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "paste the offer:")
	offer, err := readDescription(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	answer, err := engine.CreateAnswer(ctx, offer)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "answer (paste into the offering side):")
	if err := printDescription(answer); err != nil {
		return err
	}

	engine.StartStatsPolling(cfg.Stats.Interval)
	return sm.Wait()
}
