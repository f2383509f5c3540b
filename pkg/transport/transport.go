package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoAddress is returned when a connect is attempted with no peripheral
// address bound.
var ErrNoAddress = errors.New("no peripheral address bound")

// ErrNotConnected is returned by GATT operations on a dropped link.
var ErrNotConnected = errors.New("not connected")

// GATT is the characteristic-level surface device handlers use during their
// prepare/initialize handshakes.
type GATT interface {
	Read(uuid string) ([]byte, error)
	Write(uuid string, data []byte) error
	Subscribe(uuid string, fn func(data []byte)) error
}

// Addressable binds a transport to a physical peripheral identity.
type Addressable interface {
	Address() string
	SetAddress(addr string)
}

// transientErrors is the allow-list of connect failures that are worth an
// immediate in-action retry. These show up routinely on flaky BLE stacks and
// clear on their own within a short hold-off.
var transientErrors = []string{
	"operation already in progress",
	"connection already exists",
	"le connection attempt already exists",
	"device is busy",
	"resource temporarily unavailable",
}

// IsTransient reports whether a connect error matches the transient
// allow-list. Matching is by substring; BLE stacks do not expose stable
// error types for these conditions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, allow := range transientErrors {
		if strings.Contains(msg, allow) {
			return true
		}
	}
	return false
}

// Options configures a BLE transport.
type Options struct {
	// ChunkSize bounds a single characteristic write; BLE typically has a
	// ~20 byte MTU without negotiation.
	ChunkSize int `default:"20"`

	// ChunkDelay is slept between chunks to avoid overwhelming the device.
	ChunkDelay time.Duration `default:"10ms"`

	// DiscoverTimeout bounds service/characteristic discovery after dial.
	DiscoverTimeout time.Duration `default:"15s"`
}
