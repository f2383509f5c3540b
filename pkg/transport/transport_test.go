package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"operation in progress", errors.New("operation already in progress"), true},
		{"connection exists", errors.New("connection already exists"), true},
		{"le attempt exists", errors.New("le connection attempt already exists"), true},
		{"device busy", errors.New("Device is busy"), true},
		{"eagain", errors.New("resource temporarily unavailable"), true},
		{"wrapped", fmt.Errorf("failed to connect: %w", errors.New("device is busy")), true},
		{"deadline", context.DeadlineExceeded, false},
		{"cancelled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), false},
		{"hard failure", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "0000a0000000100080000805f9b34fb", normalizeUUID("0000A000-0000-1000-8000-00805F9B34FB"))
	assert.Equal(t, "ff08", normalizeUUID("FF08"))
	assert.Equal(t, "2a1c", normalizeUUID("2a1c"))
}

func TestNewBLEDefaults(t *testing.T) {
	tr := NewBLE(nil, nil)

	assert.Equal(t, 20, tr.opts.ChunkSize)
	assert.Equal(t, 10*time.Millisecond, tr.opts.ChunkDelay)
	assert.Equal(t, 15*time.Second, tr.opts.DiscoverTimeout)
	assert.Empty(t, tr.Address())
	assert.False(t, tr.Connected())
}

func TestSetAddressRebinds(t *testing.T) {
	tr := NewBLE(quietLogger(), nil)

	tr.SetAddress("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", tr.Address())

	tr.SetAddress("11:22:33:44:55:66")
	assert.Equal(t, "11:22:33:44:55:66", tr.Address())
}

func TestConnectWithoutAddress(t *testing.T) {
	tr := NewBLE(quietLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, tr.Connect(ctx, time.Second), ErrNoAddress)
}

func TestDisconnectWhenNeverConnected(t *testing.T) {
	tr := NewBLE(quietLogger(), nil)
	assert.NoError(t, tr.Disconnect(context.Background()))
}

func TestGATTOperationsRequireLink(t *testing.T) {
	tr := NewBLE(quietLogger(), nil)

	_, err := tr.Read("2a1c")
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, tr.Write("ff08", []byte{0x10}), ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe("ef81", func([]byte) {}), ErrNotConnected)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
