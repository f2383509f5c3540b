package peripheral

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/crema/pkg/transport"
)

// Skale II GATT layout.
const (
	skaleServiceUUID = "0000FF08-0000-1000-8000-00805F9B34FB"
	skaleCommandUUID = "0000EF80-0000-1000-8000-00805F9B34FB"
	skaleWeightUUID  = "0000EF81-0000-1000-8000-00805F9B34FB"
)

const (
	skaleCmdGrams     byte = 0x03
	skaleCmdDisplayOn byte = 0xED
	skaleCmdTare      byte = 0x10
)

// Felicita GATT layout: one characteristic carries both commands and weight
// notifications.
const (
	felicitaServiceUUID = "0000FFE0-0000-1000-8000-00805F9B34FB"
	felicitaDataUUID    = "0000FFE1-0000-1000-8000-00805F9B34FB"
)

const felicitaCmdTare byte = 0x54 // ASCII 'T'

// SkaleScale drives the Atomax Skale II handshake: subscribe to weight
// notifications, switch the unit to grams, turn the display on, and tare.
type SkaleScale struct {
	gatt   transport.GATT
	logger *logrus.Logger

	mu     sync.Mutex
	grams  float64
	sample uint64
}

// NewSkaleScale creates the Skale II handler.
func NewSkaleScale(gatt transport.GATT, logger *logrus.Logger) Handler {
	return &SkaleScale{gatt: gatt, logger: logger}
}

func (s *SkaleScale) Kind() Kind       { return KindScale }
func (s *SkaleScale) Describe() string { return "Atomax Skale II scale" }

func (s *SkaleScale) Prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grams = 0
	s.sample = 0
}

func (s *SkaleScale) Initialize(ctx context.Context, holdReady bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.gatt.Subscribe(skaleWeightUUID, s.onWeight); err != nil {
		return fmt.Errorf("skale weight subscription failed: %w", err)
	}

	for _, cmd := range []byte{skaleCmdGrams, skaleCmdDisplayOn, skaleCmdTare} {
		if err := s.gatt.Write(skaleCommandUUID, []byte{cmd}); err != nil {
			return fmt.Errorf("skale command %#02x failed: %w", cmd, err)
		}
	}

	s.logger.WithField("hold_ready", holdReady).Info("Skale scale initialized")
	return nil
}

func (s *SkaleScale) onWeight(data []byte) {
	// Weight frame: type byte, then signed milligrams, little-endian.
	if len(data) < 4 {
		return
	}
	mg := int32(binary.LittleEndian.Uint32(data[0:4])) >> 8

	s.mu.Lock()
	s.grams = float64(mg) / 1000.0
	s.sample++
	s.mu.Unlock()
}

// Weight returns the last notified weight in grams and the sample count.
func (s *SkaleScale) Weight() (float64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grams, s.sample
}

// FelicitaScale drives the Felicita Arc handshake.
type FelicitaScale struct {
	gatt   transport.GATT
	logger *logrus.Logger

	mu     sync.Mutex
	grams  float64
	sample uint64
}

// NewFelicitaScale creates the Felicita handler.
func NewFelicitaScale(gatt transport.GATT, logger *logrus.Logger) Handler {
	return &FelicitaScale{gatt: gatt, logger: logger}
}

func (s *FelicitaScale) Kind() Kind       { return KindScale }
func (s *FelicitaScale) Describe() string { return "Felicita scale" }

func (s *FelicitaScale) Prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grams = 0
	s.sample = 0
}

func (s *FelicitaScale) Initialize(ctx context.Context, holdReady bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.gatt.Subscribe(felicitaDataUUID, s.onData); err != nil {
		return fmt.Errorf("felicita data subscription failed: %w", err)
	}

	if err := s.gatt.Write(felicitaDataUUID, []byte{felicitaCmdTare}); err != nil {
		return fmt.Errorf("felicita tare failed: %w", err)
	}

	s.logger.WithField("hold_ready", holdReady).Info("Felicita scale initialized")
	return nil
}

func (s *FelicitaScale) onData(data []byte) {
	// Frame: header(2), sign(1), six ASCII weight digits in centigrams.
	if len(data) < 9 {
		return
	}

	var cg int64
	for _, b := range data[3:9] {
		if b < '0' || b > '9' {
			return
		}
		cg = cg*10 + int64(b-'0')
	}
	if data[2] == '-' {
		cg = -cg
	}

	s.mu.Lock()
	s.grams = float64(cg) / 100.0
	s.sample++
	s.mu.Unlock()
}

// Weight returns the last notified weight in grams and the sample count.
func (s *FelicitaScale) Weight() (float64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grams, s.sample
}

func init() {
	register("skale", nameContains("skale"), NewSkaleScale)
	register("felicita", nameContains("felicita"), NewFelicitaScale)
}
