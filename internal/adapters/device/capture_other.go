//go:build !(linux && cgo)

package device

import (
	"context"
	"errors"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

var errNoDrivers = errors.New("no capture drivers on this platform")

// Capture reports every device as missing where the mediadevices drivers
// are not built. Use Synthetic instead.
type Capture struct{}

func NewCapture() (*Capture, error) { return &Capture{}, nil }

func (*Capture) Open(_ context.Context, kind domain.TrackKind, _ domain.Constraints) (core.LocalTrack, error) {
	return nil, domain.NewDeviceError(kind, domain.DeviceNotFound, errNoDrivers)
}
