package lifecycle

import "github.com/srg/crema/pkg/capture"

// ChangeEvent is published on every committed state change of a managed
// peripheral, carrying both the raw records and their projections.
type ChangeEvent struct {
	Role    string
	Address string

	Prev capture.State
	New  capture.State

	PrevConnectivity Connectivity
	NewConnectivity  Connectivity
	PrevAvailability Availability
	NewAvailability  Availability

	Ready bool
}

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics: publishers never block, and a slow event consumer loses the
// oldest events rather than stalling reconciliation.
type RingChannel[T any] struct {
	ch chan T
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("lifecycle: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it like a normal channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered item if full.
func (rc *RingChannel[T]) Send(v T) {
	for {
		select {
		case rc.ch <- v:
			return
		default:
		}
		select {
		case <-rc.ch: // drop oldest
		default:
		}
	}
}
