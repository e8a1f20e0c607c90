package main

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/videotest"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/config"
	"github.com/giantstar-manager/warudo-cam/internal/media"
)

// openTestPattern captures the videotest driver through a VP9 encoder.
func openTestPattern(cfg config.Media, logger *zap.Logger) (*media.Stream, error) {
	vp9Params, err := vpx.NewVP9Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP9 params: %w", err)
	}
	vp9Params.BitRate = int(cfg.Bitrate)
	vp9Params.KeyFrameInterval = 60
	vp9Params.RateControlEndUsage = vpx.RateControlVBR

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp9Params),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(1280)
			c.Height = prop.Int(720)
			c.FrameRate = prop.Float(30)
		},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open test pattern: %w", err)
	}

	logger.Info("test pattern opened",
		zap.Int("bitrate", vp9Params.BitRate),
		zap.Int("tracks", len(stream.GetTracks())))
	return media.NewStream(stream), nil
}
