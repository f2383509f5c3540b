package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/crema/internal/groutine"
)

// Transport is the surface the controller drives. Connect and Disconnect may
// block for up to their timeout and must honor context cancellation or fail
// fast. Connected is a synchronous probe of the actual link state.
// OnDisconnect registers the callback invoked on an unsolicited link drop.
type Transport interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect(ctx context.Context) error
	Connected() bool
	OnDisconnect(fn func())
}

// Options configures a Controller.
type Options struct {
	ConnectTimeout    time.Duration `default:"30s"`
	DisconnectTimeout time.Duration `default:"10s"`

	// HoldOff is slept between dial attempts when the transport reports a
	// transient error, independent of the backoff gate.
	HoldOff time.Duration `default:"500ms"`

	Backoff BackoffConfig

	// IsTransient classifies connect errors that are retried internally
	// with HoldOff, invisible to the state machine. Nil disables the
	// internal retry.
	IsTransient func(error) bool
}

// DefaultOptions returns options with default timeouts and backoff tiers.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// NotifyFunc is fired with (previous, new) on every committed state change.
// It is invoked with the controller lock held and must not call back into
// the controller or block.
type NotifyFunc func(prev, next State)

// Controller owns the connection-state record for one peripheral and runs
// the reconciliation algorithm that converges the transport onto the target.
//
// All state mutation is serialized behind one mutex. Starting a background
// action under the lock is legal; awaiting one is not, and no lock is ever
// held across a network call. Each action runs as an independent goroutine
// that re-acquires the lock only to report completion.
type Controller struct {
	name      string
	transport Transport
	opts      *Options
	backoff   *Backoff
	logger    *logrus.Logger
	notify    NotifyFunc

	mu      sync.Mutex
	state   State
	task    *task
	gen     uint64
	changed chan struct{}
}

// task is the handle of the single in-flight background action. The
// generation lets completions from before an address rebind be dropped.
type task struct {
	kind   Request
	gen    uint64
	cancel context.CancelFunc
}

// NewController creates a controller for one peripheral. The name is used
// for logging and goroutine labels.
func NewController(name string, transport Transport, opts *Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	c := &Controller{
		name:      name,
		transport: transport,
		opts:      opts,
		backoff:   NewBackoff(opts.Backoff),
		logger:    logger,
		changed:   make(chan struct{}),
	}

	transport.OnDisconnect(c.handleUnsolicitedDisconnect)
	return c
}

// SetNotify installs the change-notification hook. Call before the first
// Reconcile.
func (c *Controller) SetNotify(fn NotifyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// State returns a copy of the current connection-state record.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Backoff exposes the retry policy, mainly for status reporting.
func (c *Controller) Backoff() *Backoff {
	return c.backoff
}

// Reconcile drives the record toward the requested target and returns
// whether a new background action was issued. RequestNone keeps the current
// target; if no target has ever been set this is a no-op.
//
// Setting the target never awaits anything: at most one action is started
// or cancelled, and its completion re-enters the controller on its own.
func (c *Controller) Reconcile(requested Request) bool {
	if requested == RequestCancel {
		c.logger.WithField("peripheral", c.name).Warn("Cancel is not a valid reconcile target, ignoring")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileLocked(requested)
}

func (c *Controller) reconcileLocked(requested Request) bool {
	target := c.state.Target
	if requested != RequestNone {
		target = requested
	}
	if target == RequestNone {
		return false
	}

	next := nextPending(c.state.Connected, c.state.Pending, target)

	issued := false
	if next != c.state.Pending {
		switch next {
		case RequestCancel:
			// Abort the held action. Its completion lands through
			// handleCompletion, which clears the handle and reconciles
			// again to issue the corrective action if one is needed.
			c.task.cancel()
		case RequestCapture, RequestRelease:
			c.startActionLocked(next)
			issued = true
		}
	}

	prev := c.state
	c.state = State{Connected: c.state.Connected, Pending: next, Target: target}

	// The capture campaign survives failed attempts; anything else ends it.
	if next != RequestCapture {
		c.backoff.Disarm()
	}

	c.commitLocked(prev)
	return issued
}

func (c *Controller) startActionLocked(kind Request) {
	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	t := &task{kind: kind, gen: c.gen, cancel: cancel}
	c.task = t

	name := fmt.Sprintf("%s-%s", c.name, kind)
	switch kind {
	case RequestCapture:
		gate := c.backoff.Gate()
		groutine.Go(ctx, name, func(ctx context.Context) {
			c.runCapture(ctx, t, gate)
		})
	case RequestRelease:
		groutine.Go(ctx, name, func(ctx context.Context) {
			c.runRelease(ctx, t)
		})
	}
}

// runCapture waits on the backoff gate, then dials. Allow-listed transient
// errors are retried here with a fixed hold-off; anything else surfaces as a
// normal completion and the next reconcile drives it through backoff.
func (c *Controller) runCapture(ctx context.Context, t *task, gate <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.handleCompletion(t, true)
		return
	case <-gate:
	}

	for {
		err := c.transport.Connect(ctx, c.opts.ConnectTimeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			c.handleCompletion(t, true)
			return
		}

		if c.opts.IsTransient != nil && c.opts.IsTransient(err) {
			c.logger.WithFields(logrus.Fields{
				"peripheral": c.name,
				"error":      err,
			}).Debug("Transient connect error, holding off before retrying")

			select {
			case <-ctx.Done():
				c.handleCompletion(t, true)
				return
			case <-time.After(c.opts.HoldOff):
			}
			continue
		}

		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.WithFields(logrus.Fields{
				"peripheral": c.name,
				"timeout":    c.opts.ConnectTimeout,
			}).Info("Connect attempt timed out")
		} else {
			c.logger.WithFields(logrus.Fields{
				"peripheral": c.name,
				"error":      err,
			}).Warn("Connect attempt failed")
		}
		break
	}

	c.handleCompletion(t, false)
}

func (c *Controller) runRelease(ctx context.Context, t *task) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DisconnectTimeout)
	defer cancel()

	if err := c.transport.Disconnect(dctx); err != nil && ctx.Err() == nil {
		c.logger.WithFields(logrus.Fields{
			"peripheral": c.name,
			"error":      err,
		}).Warn("Disconnect attempt failed")
	}

	if ctx.Err() != nil {
		c.handleCompletion(t, true)
		return
	}
	c.handleCompletion(t, false)
}

// handleCompletion is posted by the action goroutine when it finishes, is
// cancelled, or fails. Connected is taken from a fresh transport probe,
// never assumed from which action ran: a disconnect can race a connect.
// A cancelled action clears the task handle only and does not touch
// Connected.
func (c *Controller) handleCompletion(t *task, cancelled bool) {
	var connected Request
	if !cancelled {
		if c.transport.Connected() {
			connected = RequestCapture
		} else {
			connected = RequestRelease
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task == nil || c.task.gen != t.gen {
		// Stale completion from before an address rebind.
		return
	}

	prev := c.state
	c.task = nil
	c.state.Pending = RequestNone
	if !cancelled {
		c.state.Connected = connected
	}
	c.commitLocked(prev)

	// Pick up any target change that arrived while the action was running;
	// after a cancel this is also what issues the corrective action.
	c.reconcileLocked(RequestNone)
}

// handleUnsolicitedDisconnect is registered with the transport. It forces
// Connected to released and reconciles, which is the mechanism that drives
// automatic reconnection.
func (c *Controller) handleUnsolicitedDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": c.name,
		"target":     c.state.Target,
	}).Info("Unsolicited disconnect")

	prev := c.state
	c.state.Connected = RequestRelease
	c.commitLocked(prev)

	// An in-flight action observes the drop and completes on its own;
	// reconciling here as well could double-start.
	if c.task == nil {
		c.reconcileLocked(RequestNone)
	}
}

// Reset aborts any in-flight action and returns the record to fully idle
// with the target cleared. Used when the bound physical identity changes;
// late completions from the old binding are dropped by generation.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil {
		c.task.cancel()
		c.task = nil
	}
	c.gen++
	c.backoff.Disarm()

	prev := c.state
	c.state = State{}
	c.commitLocked(prev)
}

func (c *Controller) commitLocked(prev State) {
	if prev == c.state {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"peripheral": c.name,
		"previous":   prev.String(),
		"state":      c.state.String(),
	}).Debug("Connection state committed")

	// Broadcast to blocked waiters.
	close(c.changed)
	c.changed = make(chan struct{})

	if c.notify != nil {
		c.notify(prev, c.state)
	}
}

// WaitCaptured blocks until the transport is confirmed connected with no
// action in flight, or ctx expires. Timing out stops waiting only; the
// in-flight action keeps reconciling on its own.
func (c *Controller) WaitCaptured(ctx context.Context) error {
	return c.waitFor(ctx, State.Captured)
}

// WaitReleased blocks until the transport is confirmed disconnected with no
// action in flight, or ctx expires.
func (c *Controller) WaitReleased(ctx context.Context) error {
	return c.waitFor(ctx, State.Released)
}

// WaitIdle blocks until no background action is in flight, or ctx expires.
func (c *Controller) WaitIdle(ctx context.Context) error {
	return c.waitFor(ctx, State.Idle)
}

func (c *Controller) waitFor(ctx context.Context, cond func(State) bool) error {
	for {
		c.mu.Lock()
		if cond(c.state) {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
