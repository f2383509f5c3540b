package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/crema/internal/peripheral"
	"github.com/srg/crema/pkg/lifecycle"
	"github.com/srg/crema/pkg/transport"
)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is published for every processed advertisement.
type Event struct {
	Type   EventType
	Device Discovery
}

// Discovery is one advertising peripheral seen during a scan. Vendor is the
// matched protocol implementation, "" when none matches the advertised name.
type Discovery struct {
	Address  string
	Name     string
	RSSI     int
	Vendor   string
	LastSeen time.Time
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool

	// KnownOnly keeps only devices some protocol implementation matches.
	KnownOnly bool

	ServiceUUIDs []ble.UUID
	AllowList    []string
	BlockList    []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE peripheral discovery
type Scanner struct {
	devices *hashmap.Map[string, Discovery]
	events  *lifecycle.RingChannel[Event]
	logger  *logrus.Logger

	scanOptions *Options
	now         func() time.Time
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: lifecycle.NewRingChannel[Event](100),
		logger: logger,
		now:    time.Now,
	}
}

// Scan performs BLE discovery with the provided options and returns the
// devices seen, keyed by address. The scan runs for opts.Duration unless ctx
// ends it earlier.
func (s *Scanner) Scan(ctx context.Context, opts *Options) (map[string]Discovery, error) {
	s.devices = hashmap.New[string, Discovery]()

	if opts == nil {
		opts = DefaultOptions()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	dev, err := transport.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	devices := make(map[string]Discovery, s.devices.Len())
	s.devices.Range(func(key string, value Discovery) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement updates an existing discovery or adds a new one
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	if !s.shouldIncludeDevice(adv, s.scanOptions) {
		return
	}

	address := adv.Addr().String()
	prev, existing := s.devices.Get(address)

	d := Discovery{
		Address:  address,
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		LastSeen: s.now(),
	}
	if d.Name == "" && existing {
		d.Name = prev.Name
	}
	if vendor, _, err := peripheral.Detect(d.Name); err == nil {
		d.Vendor = vendor
	}

	if s.scanOptions.KnownOnly && d.Vendor == "" {
		return
	}

	s.devices.Set(address, d)

	event := Event{Device: d}
	if existing {
		event.Type = EventUpdated
	} else {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  d.Name,
			"address": d.Address,
			"vendor":  d.Vendor,
			"rssi":    d.RSSI,
		}).Info("Discovered new device")
	}

	s.events.Send(event)
}

// shouldIncludeDevice applies the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv ble.Advertisement, opts *Options) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if required.Equal(advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
