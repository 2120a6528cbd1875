//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
)

// Compile-time interface checks.
var (
	_ Gateway         = (*DeviceGateway)(nil)
	_ CodecConfigurer = (*DeviceGateway)(nil)
)

// DeviceConfig bounds capture
type DeviceConfig struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// DeviceGateway captures the local camera and microphone via pion/mediadevices
// (V4L2 and malgo on Linux), encoding VP8 and Opus.
type DeviceGateway struct {
	cfg           DeviceConfig
	codecSelector *mediadevices.CodecSelector
}

// NewDeviceGateway prepares the codec selector
func NewDeviceGateway(cfg DeviceConfig) (*DeviceGateway, error) {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 480
	}
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_500_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}

	return &DeviceGateway{
		cfg: cfg,
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureCodecs registers the encoders this gateway produces
func (g *DeviceGateway) ConfigureCodecs(m *webrtc.MediaEngine) error {
	g.codecSelector.Populate(m)
	return nil
}

// Acquire opens the microphone, and the camera for VIDEO calls
func (g *DeviceGateway) Acquire(ctx context.Context, kind domain.MediaKind) (*LocalStream, error) {
	if !kind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("unknown media kind %q", kind))
	}
	return acquireAsync(ctx, func() (*LocalStream, error) {
		return g.capture(kind)
	})
}

func (g *DeviceGateway) capture(kind domain.MediaKind) (*LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: g.codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind.HasVideo() {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras poison the VP8 encoder
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: g.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: g.cfg.MaxHeight}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		logger.Warn("GetUserMedia failed",
			zap.String("media_kind", string(kind)),
			zap.Int("devices", len(mediadevices.EnumerateDevices())),
			zap.Error(err))
		return nil, errors.MediaAcquisitionDeniedError(err)
	}

	var tracks []*LocalTrack
	for _, track := range stream.GetTracks() {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("Local capture track ended", zap.String("track_id", track.ID()), zap.Error(err))
			}
		})
		tracks = append(tracks, NewLocalTrack(track, func() { track.Close() }))
	}

	return NewLocalStream(tracks...), nil
}
