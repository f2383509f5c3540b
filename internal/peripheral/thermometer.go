package peripheral

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/crema/pkg/transport"
)

// Standard Health Thermometer service.
const (
	thermoServiceUUID     = "00001809-0000-1000-8000-00805F9B34FB"
	thermoMeasurementUUID = "00002A1C-0000-1000-8000-00805F9B34FB"
)

// Thermometer subscribes to standard temperature-measurement indications.
type Thermometer struct {
	gatt   transport.GATT
	logger *logrus.Logger

	mu      sync.Mutex
	celsius float64
	sample  uint64
}

// NewThermometer creates the thermometer handler.
func NewThermometer(gatt transport.GATT, logger *logrus.Logger) Handler {
	return &Thermometer{gatt: gatt, logger: logger}
}

func (t *Thermometer) Kind() Kind       { return KindThermometer }
func (t *Thermometer) Describe() string { return "BLE health thermometer" }

func (t *Thermometer) Prepare() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.celsius = 0
	t.sample = 0
}

func (t *Thermometer) Initialize(ctx context.Context, holdReady bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := t.gatt.Subscribe(thermoMeasurementUUID, t.onMeasurement); err != nil {
		return fmt.Errorf("thermometer subscription failed: %w", err)
	}

	t.logger.WithField("hold_ready", holdReady).Info("Thermometer initialized")
	return nil
}

func (t *Thermometer) onMeasurement(data []byte) {
	// Flags byte then an IEEE-11073 32-bit float: 24-bit signed mantissa
	// plus a signed exponent byte.
	if len(data) < 5 {
		return
	}

	raw := binary.LittleEndian.Uint32(data[1:5])
	mantissa := int32(raw<<8) >> 8
	exponent := int8(raw >> 24)
	value := float64(mantissa) * math.Pow10(int(exponent))

	t.mu.Lock()
	t.celsius = value
	t.sample++
	t.mu.Unlock()
}

// Temperature returns the last indicated temperature in Celsius and the
// sample count.
func (t *Thermometer) Temperature() (float64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.celsius, t.sample
}

func init() {
	register("thermometer", nameContains("therm", "tp35"), NewThermometer)
}
