package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/crema/pkg/lifecycle"
)

// MarkerStore persists the last-known-address marker per peripheral role.
// The marker is written once a peripheral is captured and removed once it is
// released on purpose, so the next process start knows where to reconnect.
type MarkerStore interface {
	Put(role, address string) error
	Remove(role string) error
}

// NopMarkerStore discards markers.
type NopMarkerStore struct{}

func (NopMarkerStore) Put(role, address string) error { return nil }
func (NopMarkerStore) Remove(role string) error       { return nil }

// Manager owns one lifecycle per peripheral role. Each lifecycle is an
// explicit, injected instance; the manager only routes requests and
// publishes markers, it never reconciles anything itself.
type Manager struct {
	logger  *logrus.Logger
	markers MarkerStore
	devices *hashmap.Map[string, *lifecycle.Lifecycle]
}

// NewManager creates an empty fleet. markers may be nil.
func NewManager(markers MarkerStore, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if markers == nil {
		markers = NopMarkerStore{}
	}

	return &Manager{
		logger:  logger,
		markers: markers,
		devices: hashmap.New[string, *lifecycle.Lifecycle](),
	}
}

// Add registers a lifecycle under its role and hooks up marker publication.
func (m *Manager) Add(lc *lifecycle.Lifecycle) error {
	role := lc.Role()
	if _, exists := m.devices.Get(role); exists {
		return fmt.Errorf("peripheral role %q already registered", role)
	}

	m.devices.Set(role, lc)
	lc.AddListener(m.onChange)
	return nil
}

// Get returns the lifecycle for a role.
func (m *Manager) Get(role string) (*lifecycle.Lifecycle, bool) {
	return m.devices.Get(role)
}

// Roles lists the registered roles, sorted for stable output.
func (m *Manager) Roles() []string {
	var roles []string
	m.devices.Range(func(role string, _ *lifecycle.Lifecycle) bool {
		roles = append(roles, role)
		return true
	})
	sort.Strings(roles)
	return roles
}

// CaptureAll requests capture of every registered peripheral and waits for
// each confirmation. Peripherals with no bound address are skipped with a
// warning rather than failing the rest of the fleet.
func (m *Manager) CaptureAll(ctx context.Context) error {
	var firstErr error
	for _, role := range m.Roles() {
		lc, _ := m.devices.Get(role)

		if err := lc.Capture(ctx); err != nil {
			if err == lifecycle.ErrNoAddress {
				m.logger.WithField("role", role).Warn("No address bound, skipping capture")
				continue
			}
			m.logger.WithFields(logrus.Fields{
				"role":  role,
				"error": err,
			}).Warn("Capture not confirmed")
			if firstErr == nil {
				firstErr = fmt.Errorf("capture %s: %w", role, err)
			}
		}
	}
	return firstErr
}

// ReleaseAll requests release of every registered peripheral and waits for
// each confirmation.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	var firstErr error
	for _, role := range m.Roles() {
		lc, _ := m.devices.Get(role)

		if err := lc.Release(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"role":  role,
				"error": err,
			}).Warn("Release not confirmed")
			if firstErr == nil {
				firstErr = fmt.Errorf("release %s: %w", role, err)
			}
		}
	}
	return firstErr
}

// ChangeAddress rebinds a role to a new physical peripheral.
func (m *Manager) ChangeAddress(ctx context.Context, role, address string, handler lifecycle.Handler) error {
	lc, ok := m.devices.Get(role)
	if !ok {
		return fmt.Errorf("unknown peripheral role %q", role)
	}

	if err := lc.ChangeAddress(ctx, address, handler); err != nil {
		return err
	}

	// The old identity's marker no longer points anywhere useful.
	if err := m.markers.Remove(role); err != nil {
		m.logger.WithFields(logrus.Fields{
			"role":  role,
			"error": err,
		}).Warn("Failed to remove address marker")
	}
	return nil
}

// onChange publishes last-known-address markers from lifecycle events.
func (m *Manager) onChange(ev lifecycle.ChangeEvent) {
	switch {
	case ev.NewAvailability == lifecycle.AvailabilityCaptured &&
		ev.PrevAvailability != lifecycle.AvailabilityCaptured:
		if err := m.markers.Put(ev.Role, ev.Address); err != nil {
			m.logger.WithFields(logrus.Fields{
				"role":  ev.Role,
				"error": err,
			}).Warn("Failed to persist address marker")
		}

	case ev.NewAvailability == lifecycle.AvailabilityReleased &&
		ev.New.Target == ev.New.Connected &&
		ev.PrevAvailability != lifecycle.AvailabilityReleased:
		// Released on purpose (target matches), not dropped by the link.
		if err := m.markers.Remove(ev.Role); err != nil {
			m.logger.WithFields(logrus.Fields{
				"role":  ev.Role,
				"error": err,
			}).Warn("Failed to remove address marker")
		}
	}
}
