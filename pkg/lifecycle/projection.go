package lifecycle

import "github.com/srg/crema/pkg/capture"

// Connectivity is the externally visible connection state projected from the
// capture record plus the ready flag.
type Connectivity int

const (
	// ConnectivityInitial means nothing has ever been confirmed or requested.
	ConnectivityInitial Connectivity = iota
	ConnectivityConnecting
	ConnectivityConnected
	ConnectivityReady
	ConnectivityDisconnecting
	ConnectivityDisconnected
	// ConnectivityUnknown is reported while a cancel is pending: the
	// pre-cancel direction cannot be inferred, and guessing would be worse
	// than admitting it.
	ConnectivityUnknown
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityInitial:
		return "initial"
	case ConnectivityConnecting:
		return "connecting"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityReady:
		return "ready"
	case ConnectivityDisconnecting:
		return "disconnecting"
	case ConnectivityDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Availability is the capture-oriented projection of the same record.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityCapturing
	AvailabilityCaptured
	AvailabilityReleasing
	AvailabilityReleased
)

func (a Availability) String() string {
	switch a {
	case AvailabilityCapturing:
		return "capturing"
	case AvailabilityCaptured:
		return "captured"
	case AvailabilityReleasing:
		return "releasing"
	case AvailabilityReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ConnectivityOf projects a capture record into a Connectivity.
func ConnectivityOf(s capture.State, ready bool) Connectivity {
	switch s.Pending {
	case capture.RequestCancel:
		return ConnectivityUnknown
	case capture.RequestCapture:
		return ConnectivityConnecting
	case capture.RequestRelease:
		return ConnectivityDisconnecting
	}

	switch s.Connected {
	case capture.RequestCapture:
		if ready {
			return ConnectivityReady
		}
		return ConnectivityConnected
	case capture.RequestRelease:
		return ConnectivityDisconnected
	default:
		return ConnectivityInitial
	}
}

// AvailabilityOf projects a capture record into an Availability. A record
// that has never confirmed anything counts as released: the peripheral has
// not been captured.
func AvailabilityOf(s capture.State) Availability {
	switch s.Pending {
	case capture.RequestCancel:
		return AvailabilityUnknown
	case capture.RequestCapture:
		return AvailabilityCapturing
	case capture.RequestRelease:
		return AvailabilityReleasing
	}

	if s.Connected == capture.RequestCapture {
		return AvailabilityCaptured
	}
	return AvailabilityReleased
}
