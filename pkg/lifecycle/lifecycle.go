package lifecycle

import (
	"context"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/crema/internal/groutine"
	"github.com/srg/crema/pkg/capture"
	"github.com/srg/crema/pkg/transport"
)

// ErrNoAddress is returned by capture requests on a lifecycle whose
// transport has no peripheral address bound. The request fails fast and
// never enters reconciliation.
var ErrNoAddress = transport.ErrNoAddress

// Transport is what the lifecycle needs from its link: the capture
// controller surface plus a mutable physical identity.
type Transport interface {
	capture.Transport
	Address() string
	SetAddress(addr string)
}

// Handler is the device-specific hook set run at the correct transitions.
// Prepare runs synchronously on every transition into disconnected and must
// not assume a link. Initialize runs as a background task after a capture
// completes and may perform arbitrary handshake I/O.
type Handler interface {
	Describe() string
	Prepare()
	Initialize(ctx context.Context, holdReady bool) error
}

// Options configures a Lifecycle.
type Options struct {
	// HoldReady defers the ready flag past a successful Initialize; the
	// device layer flips it later via MarkReady.
	HoldReady bool

	// EventBuffer sizes the change-event ring.
	EventBuffer int `default:"64"`

	// Capture configures the underlying controller. Nil gets defaults with
	// the BLE transient-error allow-list.
	Capture *capture.Options
}

// DefaultOptions returns lifecycle options with defaults applied.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Lifecycle wraps one capture controller for one peripheral role and layers
// the ready stage on top: released -> captured -> ready. It projects the
// internal record into connectivity/availability enumerations, runs the
// device-specific hooks at the correct transitions, and publishes change
// events.
type Lifecycle struct {
	role      string
	logger    *logrus.Logger
	transport Transport
	ctrl      *capture.Controller
	opts      *Options
	events    *RingChannel[ChangeEvent]

	mu         sync.Mutex
	handler    Handler
	ready      bool
	initGen    uint64
	initCancel context.CancelFunc
	listeners  []func(ChangeEvent)
}

// New creates a lifecycle for one peripheral role. handler may be nil for a
// peripheral with no device-specific protocol.
func New(role string, tr Transport, handler Handler, opts *Options, logger *logrus.Logger) *Lifecycle {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	capOpts := opts.Capture
	if capOpts == nil {
		capOpts = capture.DefaultOptions()
	}
	if capOpts.IsTransient == nil {
		capOpts.IsTransient = transport.IsTransient
	}

	l := &Lifecycle{
		role:      role,
		logger:    logger,
		transport: tr,
		opts:      opts,
		handler:   handler,
		events:    NewRingChannel[ChangeEvent](opts.EventBuffer),
	}
	l.ctrl = capture.NewController(role, tr, capOpts, logger)
	l.ctrl.SetNotify(l.onChange)
	return l
}

// Role returns the peripheral role this lifecycle manages.
func (l *Lifecycle) Role() string { return l.role }

// Address returns the bound peripheral address, "" when unbound.
func (l *Lifecycle) Address() string { return l.transport.Address() }

// Describe returns the device handler description, or the role when no
// handler is bound.
func (l *Lifecycle) Describe() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return l.role
	}
	return l.handler.Describe()
}

// State returns a copy of the underlying capture record.
func (l *Lifecycle) State() capture.State { return l.ctrl.State() }

// Ready reports whether the device completed its handshake and is usable.
func (l *Lifecycle) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Captured reports whether the transport is confirmed connected and idle.
func (l *Lifecycle) Captured() bool { return l.ctrl.State().Captured() }

// Released reports whether the transport is confirmed disconnected and idle.
func (l *Lifecycle) Released() bool { return l.ctrl.State().Released() }

// Idle reports whether no background action is in flight.
func (l *Lifecycle) Idle() bool { return l.ctrl.State().Idle() }

// Connectivity returns the current connectivity projection.
func (l *Lifecycle) Connectivity() Connectivity {
	return ConnectivityOf(l.ctrl.State(), l.Ready())
}

// Availability returns the current availability projection.
func (l *Lifecycle) Availability() Availability {
	return AvailabilityOf(l.ctrl.State())
}

// Events returns the change-event stream. Slow consumers lose the oldest
// events rather than stalling reconciliation.
func (l *Lifecycle) Events() <-chan ChangeEvent { return l.events.C() }

// AddListener registers a synchronous change-event callback. Listeners run
// on the reconciliation path and must not block or call back into the
// lifecycle.
func (l *Lifecycle) AddListener(fn func(ChangeEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// RequestCapture asks for the peripheral to be connected and returns
// immediately. With no bound address it fails fast.
func (l *Lifecycle) RequestCapture() error {
	if l.transport.Address() == "" {
		return ErrNoAddress
	}
	l.ctrl.Reconcile(capture.RequestCapture)
	return nil
}

// RequestRelease asks for the peripheral to be disconnected and returns
// immediately.
func (l *Lifecycle) RequestRelease() {
	l.ctrl.Reconcile(capture.RequestRelease)
}

// Capture requests a connection and waits for confirmation. Timing out
// stops waiting only; the in-flight action keeps reconciling on its own.
func (l *Lifecycle) Capture(ctx context.Context) error {
	if err := l.RequestCapture(); err != nil {
		return err
	}
	return l.ctrl.WaitCaptured(ctx)
}

// Release requests a disconnect and waits for confirmation.
func (l *Lifecycle) Release(ctx context.Context) error {
	l.RequestRelease()
	return l.ctrl.WaitReleased(ctx)
}

// ChangeAddress rebinds the lifecycle to a new physical peripheral: release
// if needed, reset the capture record to fully idle, bind the new address
// and protocol handler. A new physical identity starts fully idle.
func (l *Lifecycle) ChangeAddress(ctx context.Context, addr string, handler Handler) error {
	s := l.ctrl.State()
	if s.Connected == capture.RequestCapture || s.Pending != capture.RequestNone || s.Target == capture.RequestCapture {
		l.ctrl.Reconcile(capture.RequestRelease)
		if err := l.ctrl.WaitIdle(ctx); err != nil {
			return err
		}
	}

	l.ctrl.Reset()
	l.transport.SetAddress(addr)

	l.mu.Lock()
	if handler != nil {
		l.handler = handler
	}
	l.ready = false
	l.invalidateInitLocked()
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"role":    l.role,
		"address": addr,
	}).Info("Peripheral rebound to new address")
	return nil
}

// MarkReady exposes readiness for a device initialized with HoldReady, once
// the device layer decides the handshake is actually complete. No-op unless
// currently captured.
func (l *Lifecycle) MarkReady() {
	s := l.ctrl.State()
	if !s.Captured() {
		return
	}

	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		return
	}
	l.ready = true
	l.mu.Unlock()

	l.emit(s, s, false, true)
}

// onChange is the controller's change-notification hook. It runs with the
// controller lock held: everything here must be non-blocking, and the
// handler's Prepare is the only synchronous device call allowed.
func (l *Lifecycle) onChange(prev, next capture.State) {
	captured := next.Captured()

	l.mu.Lock()
	prevReady := l.ready

	// Ready is cleared the instant the state stops being captured,
	// including transitional cancel and connecting states.
	if !captured && l.ready {
		l.ready = false
	}
	if !captured {
		l.invalidateInitLocked()
	}
	ready := l.ready
	handler := l.handler

	prevConn := ConnectivityOf(prev, prevReady)
	newConn := ConnectivityOf(next, ready)

	if newConn == ConnectivityConnected && prevConn != ConnectivityConnected && prevConn != ConnectivityReady {
		l.scheduleInitLocked()
	}
	l.mu.Unlock()

	if handler != nil && newConn == ConnectivityDisconnected && prevConn != ConnectivityDisconnected {
		handler.Prepare()
	}

	l.emit(prev, next, prevReady, ready)
}

func (l *Lifecycle) invalidateInitLocked() {
	l.initGen++
	if l.initCancel != nil {
		l.initCancel()
		l.initCancel = nil
	}
}

func (l *Lifecycle) scheduleInitLocked() {
	l.initGen++
	gen := l.initGen

	ctx, cancel := context.WithCancel(context.Background())
	l.initCancel = cancel

	groutine.Go(ctx, l.role+"-initialize", func(ctx context.Context) {
		l.runInitialize(ctx, gen)
	})
}

// runInitialize performs the device handshake and exposes readiness unless
// HoldReady. A handshake invalidated by a disconnect or rebind is dropped by
// generation.
func (l *Lifecycle) runInitialize(ctx context.Context, gen uint64) {
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()

	if handler == nil {
		// No protocol to run; the bare link is all the readiness there is.
		handler = nopHandler{}
	}

	if err := handler.Initialize(ctx, l.opts.HoldReady); err != nil {
		if ctx.Err() == nil {
			l.logger.WithFields(logrus.Fields{
				"role":  l.role,
				"error": err,
			}).Warn("Device initialization failed")
		}
		return
	}

	s := l.ctrl.State()

	l.mu.Lock()
	if gen != l.initGen || !s.Captured() {
		l.mu.Unlock()
		return
	}
	if l.opts.HoldReady {
		l.mu.Unlock()
		l.logger.WithField("role", l.role).Debug("Initialization complete, readiness held")
		return
	}
	l.ready = true
	l.mu.Unlock()

	l.logger.WithField("role", l.role).Info("Device ready")
	l.emit(s, s, false, true)
}

func (l *Lifecycle) emit(prev, next capture.State, prevReady, ready bool) {
	ev := ChangeEvent{
		Role:             l.role,
		Address:          l.transport.Address(),
		Prev:             prev,
		New:              next,
		PrevConnectivity: ConnectivityOf(prev, prevReady),
		NewConnectivity:  ConnectivityOf(next, ready),
		PrevAvailability: AvailabilityOf(prev),
		NewAvailability:  AvailabilityOf(next),
		Ready:            ready,
	}

	if ev.PrevConnectivity == ev.NewConnectivity &&
		ev.PrevAvailability == ev.NewAvailability &&
		prev == next && prevReady == ready {
		return
	}

	l.events.Send(ev)

	l.mu.Lock()
	listeners := make([]func(ChangeEvent), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

type nopHandler struct{}

func (nopHandler) Describe() string { return "generic peripheral" }
func (nopHandler) Prepare()         {}
func (nopHandler) Initialize(ctx context.Context, holdReady bool) error {
	return ctx.Err()
}
