package capture

// Request is a three-valued connection tag. RequestNone stands for "absent":
// no state has been confirmed, no action is running, or no target has been
// requested yet, depending on which State field carries it.
type Request int

const (
	// RequestNone marks an absent tag.
	RequestNone Request = iota
	// RequestCapture means "hold a transport-level connection".
	RequestCapture
	// RequestRelease means "intentionally relinquish the connection".
	RequestRelease
	// RequestCancel is only ever valid as a pending action: the in-flight
	// capture or release has been asked to abort.
	RequestCancel
)

func (r Request) String() string {
	switch r {
	case RequestNone:
		return "none"
	case RequestCapture:
		return "capture"
	case RequestRelease:
		return "release"
	case RequestCancel:
		return "cancel"
	default:
		return "invalid"
	}
}

// State is the connection-state record for one peripheral.
//
// Connected is the last transport state confirmed by an action completion or
// an unsolicited-disconnect event; RequestNone until any action has ever
// completed. Pending is the background action currently running, RequestNone
// when idle; it is set if and only if the controller holds a task handle.
// Target is the most recently requested desired state and survives across
// disconnects, which is how a dropped link is remembered as "should
// reconnect".
type State struct {
	Connected Request
	Pending   Request
	Target    Request
}

// Idle reports whether no background action is running.
func (s State) Idle() bool {
	return s.Pending == RequestNone
}

// Captured reports whether the transport is confirmed connected with no
// action in flight.
func (s State) Captured() bool {
	return s.Connected == RequestCapture && s.Pending == RequestNone
}

// Released reports whether the transport is confirmed disconnected with no
// action in flight.
func (s State) Released() bool {
	return s.Connected == RequestRelease && s.Pending == RequestNone
}

func (s State) String() string {
	return "{connected=" + s.Connected.String() +
		" pending=" + s.Pending.String() +
		" target=" + s.Target.String() + "}"
}

// nextPending computes the action the controller should be running for the
// given confirmed transport state, currently pending action, and target.
//
//	connected == target, nothing pending  -> nothing (already correct)
//	connected == target, action pending   -> cancel (it would overshoot)
//	connected != target, nothing pending  -> start the needed action
//	connected != target, same pending     -> keep it
//	connected != target, opposite/cancel  -> cancel; the reconcile after the
//	                                         cancel lands issues the right one
func nextPending(connected, pending, target Request) Request {
	if connected == target {
		if pending == RequestNone {
			return RequestNone
		}
		return RequestCancel
	}

	switch pending {
	case RequestNone, target:
		return target
	default:
		return RequestCancel
	}
}
