package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/config"
	"github.com/giantstar-manager/warudo-cam/internal/logging"
	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to YAML config file",
		EnvVars: []string{"WARUDO_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.StringFlag{
		Name:  "codec",
		Usage: "preferred video codec (vp9 or h264)",
	},
	&cli.Float64Flag{
		Name:  "bitrate",
		Usage: "target video bitrate in bits per second",
	},
	&cli.BoolFlag{
		Name:  "relay",
		Usage: "run a local TURN relay and force relay-only ICE",
	},
}

func main() {
	app := &cli.App{
		Name:  "warudo-cam",
		Usage: "single-session peer-to-peer camera link with automatic recovery",
		Flags: baseFlags,
		Commands: []*cli.Command{
			{
				Name:   "loopback",
				Usage:  "connect a test-pattern caller to an in-process callee",
				Action: runLoopback,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "how long to keep the session up",
						Value: 30 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "metrics",
						Usage: "serve Prometheus metrics on the configured address",
					},
				},
			},
			{
				Name:   "offer",
				Usage:  "publish the test pattern; prints an offer and reads the answer from stdin",
				Action: runOffer,
			},
			{
				Name:   "answer",
				Usage:  "receive video; reads an offer from stdin and prints the answer",
				Action: runAnswer,
			},
			{
				Name:   "probe",
				Usage:  "send a binding request to every configured STUN server",
				Action: runProbe,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration",
				Action: printConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getConfig loads the file and environment config, then applies flags.
func getConfig(c *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("codec") {
		cfg.Media.Codec = c.String("codec")
	}
	if c.IsSet("bitrate") {
		cfg.Media.Bitrate = c.Float64("bitrate")
	}
	if c.Bool("relay") {
		cfg.TURN.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	logging.Install(logger)
	return cfg, logger, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func printConfig(c *cli.Context) error {
	cfg, _, err := getConfig(c)
	if err != nil {
		return err
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runProbe(c *cli.Context) error {
	cfg, logger, err := getConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(c)
	defer cancel()

	var failed int
	for _, server := range cfg.ICE.Servers {
		for _, uri := range server.URLs {
			if !strings.HasPrefix(uri, "stun:") {
				continue
			}
			probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
			addr, err := rtcManager.ProbeSTUN(probeCtx, uri)
			probeCancel()
			if err != nil {
				failed++
				logger.Warn("stun probe failed", zap.String("uri", uri), zap.Error(err))
				continue
			}
			fmt.Printf("%s\t%s\n", uri, addr)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d stun probe(s) failed", failed)
	}
	return nil
}
