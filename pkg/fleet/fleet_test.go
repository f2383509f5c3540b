package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/crema/pkg/capture"
	"github.com/srg/crema/pkg/lifecycle"
)

// autoTransport connects and disconnects instantly; tests drive link drops
// through drop().
type autoTransport struct {
	mu        sync.Mutex
	address   string
	connected bool
	onDisc    func()
}

func (f *autoTransport) Connect(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *autoTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *autoTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *autoTransport) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisc = fn
}

func (f *autoTransport) Address() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

func (f *autoTransport) SetAddress(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.address = addr
}

func (f *autoTransport) drop() {
	f.mu.Lock()
	f.connected = false
	fn := f.onDisc
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// recordingMarkers captures marker traffic for assertions.
type recordingMarkers struct {
	mu      sync.Mutex
	markers map[string]string
	removes []string
}

func newRecordingMarkers() *recordingMarkers {
	return &recordingMarkers{markers: make(map[string]string)}
}

func (r *recordingMarkers) Put(role, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[role] = address
	return nil
}

func (r *recordingMarkers) Remove(role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, role)
	r.removes = append(r.removes, role)
	return nil
}

func (r *recordingMarkers) marker(role string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.markers[role]
	return addr, ok
}

func (r *recordingMarkers) removed(role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.removes {
		if rm == role {
			return true
		}
	}
	return false
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testLifecycle(role, address string) (*lifecycle.Lifecycle, *autoTransport) {
	tr := &autoTransport{address: address}
	opts := &lifecycle.Options{
		EventBuffer: 16,
		Capture: &capture.Options{
			ConnectTimeout:    time.Second,
			DisconnectTimeout: time.Second,
			HoldOff:           time.Millisecond,
			Backoff: capture.BackoffConfig{
				ImmediateWindow: time.Minute,
				ShortDelay:      time.Millisecond,
				LongWindow:      time.Hour,
				LongDelay:       5 * time.Millisecond,
			},
		},
	}
	return lifecycle.New(role, tr, nil, opts, quietLogger()), tr
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAddAndRoles(t *testing.T) {
	m := NewManager(nil, quietLogger())

	scale, _ := testLifecycle("scale", "11:22:33:44:55:66")
	machine, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(scale))
	require.NoError(t, m.Add(machine))

	assert.Equal(t, []string{"machine", "scale"}, m.Roles())

	got, ok := m.Get("machine")
	assert.True(t, ok)
	assert.Same(t, machine, got)

	_, ok = m.Get("grinder")
	assert.False(t, ok)
}

func TestAddRejectsDuplicateRole(t *testing.T) {
	m := NewManager(nil, quietLogger())

	first, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	second, _ := testLifecycle("machine", "11:22:33:44:55:66")
	require.NoError(t, m.Add(first))
	assert.Error(t, m.Add(second))
}

func TestCaptureAllSkipsUnboundPeripherals(t *testing.T) {
	m := NewManager(nil, quietLogger())

	bound, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	unbound, _ := testLifecycle("scale", "")
	require.NoError(t, m.Add(bound))
	require.NoError(t, m.Add(unbound))

	require.NoError(t, m.CaptureAll(testContext(t)))

	assert.True(t, bound.Captured())
	assert.True(t, unbound.State().Idle())
	assert.False(t, unbound.Captured())
}

func TestReleaseAll(t *testing.T) {
	m := NewManager(nil, quietLogger())

	lc, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(lc))

	ctx := testContext(t)
	require.NoError(t, m.CaptureAll(ctx))
	require.NoError(t, m.ReleaseAll(ctx))

	assert.True(t, lc.Released())
}

func TestMarkerPutOnCapture(t *testing.T) {
	markers := newRecordingMarkers()
	m := NewManager(markers, quietLogger())

	lc, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(lc))
	require.NoError(t, m.CaptureAll(testContext(t)))

	require.Eventually(t, func() bool {
		addr, ok := markers.marker("machine")
		return ok && addr == "AA:BB:CC:DD:EE:FF"
	}, 2*time.Second, time.Millisecond)
}

func TestMarkerRemovedOnPurposefulRelease(t *testing.T) {
	markers := newRecordingMarkers()
	m := NewManager(markers, quietLogger())

	lc, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(lc))

	ctx := testContext(t)
	require.NoError(t, m.CaptureAll(ctx))
	require.NoError(t, m.ReleaseAll(ctx))

	require.Eventually(t, func() bool {
		_, ok := markers.marker("machine")
		return !ok && markers.removed("machine")
	}, 2*time.Second, time.Millisecond)
}

func TestMarkerSurvivesUnsolicitedDrop(t *testing.T) {
	markers := newRecordingMarkers()
	m := NewManager(markers, quietLogger())

	lc, tr := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(lc))

	ctx := testContext(t)
	require.NoError(t, m.CaptureAll(ctx))

	tr.drop()

	// The link comes back on its own; through the whole excursion the
	// marker still points at the device we want back.
	require.NoError(t, lc.Capture(ctx))
	assert.False(t, markers.removed("machine"))
	addr, ok := markers.marker("machine")
	assert.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)
}

func TestChangeAddressUnknownRole(t *testing.T) {
	m := NewManager(nil, quietLogger())
	assert.Error(t, m.ChangeAddress(testContext(t), "grinder", "AA:BB:CC:DD:EE:FF", nil))
}

func TestChangeAddressRemovesMarker(t *testing.T) {
	markers := newRecordingMarkers()
	m := NewManager(markers, quietLogger())

	lc, _ := testLifecycle("machine", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, m.Add(lc))

	ctx := testContext(t)
	require.NoError(t, m.CaptureAll(ctx))
	require.NoError(t, m.ChangeAddress(ctx, "machine", "11:22:33:44:55:66", nil))

	assert.Equal(t, "11:22:33:44:55:66", lc.Address())
	assert.True(t, markers.removed("machine"))
}
