//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"peercall/internal/domain"
	"peercall/pkg/errors"
)

// DeviceConfig bounds capture
type DeviceConfig struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// DeviceGateway has no native capture driver on this platform; every
// acquisition is denied. Use SyntheticGateway for headless agents.
type DeviceGateway struct{}

// NewDeviceGateway returns a gateway that always denies
func NewDeviceGateway(DeviceConfig) (*DeviceGateway, error) {
	return &DeviceGateway{}, nil
}

// ConfigureCodecs registers the default pion codecs
func (g *DeviceGateway) ConfigureCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Acquire always fails with MEDIA_ACQUISITION_DENIED
func (g *DeviceGateway) Acquire(ctx context.Context, kind domain.MediaKind) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.MediaAcquisitionDeniedError(fmt.Errorf("no capture driver for this platform"))
}
