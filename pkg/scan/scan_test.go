package scan

import (
	"testing"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdv is a minimal ble.Advertisement for feeding the handler directly.
type fakeAdv struct {
	name     string
	addr     string
	rssi     int
	services []ble.UUID
}

func (a fakeAdv) LocalName() string          { return a.name }
func (a fakeAdv) ManufacturerData() []byte   { return nil }
func (a fakeAdv) ServiceData() []ble.ServiceData { return nil }
func (a fakeAdv) Services() []ble.UUID       { return a.services }
func (a fakeAdv) OverflowService() []ble.UUID { return nil }
func (a fakeAdv) TxPowerLevel() int          { return 0 }
func (a fakeAdv) Connectable() bool          { return true }
func (a fakeAdv) SolicitedService() []ble.UUID { return nil }
func (a fakeAdv) RSSI() int                  { return a.rssi }
func (a fakeAdv) Addr() ble.Addr             { return ble.NewAddr(a.addr) }

func newTestScanner(opts *Options) *Scanner {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s := NewScanner(logger)
	s.devices = hashmap.New[string, Discovery]()
	s.scanOptions = opts
	return s
}

func TestHandleAdvertisementDiscoversAndUpdates(t *testing.T) {
	s := newTestScanner(DefaultOptions())

	s.handleAdvertisement(fakeAdv{name: "DE1", addr: "aa:bb:cc:dd:ee:ff", rssi: -60})
	s.handleAdvertisement(fakeAdv{name: "DE1", addr: "aa:bb:cc:dd:ee:ff", rssi: -55})
	s.handleAdvertisement(fakeAdv{name: "Skale", addr: "11:22:33:44:55:66", rssi: -70})

	d, ok := s.devices.Get("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, "DE1", d.Name)
	assert.Equal(t, "de1", d.Vendor)
	assert.Equal(t, -55, d.RSSI)

	d, ok = s.devices.Get("11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, "skale", d.Vendor)

	ev := <-s.Events()
	assert.Equal(t, EventNew, ev.Type)
	ev = <-s.Events()
	assert.Equal(t, EventUpdated, ev.Type)
	ev = <-s.Events()
	assert.Equal(t, EventNew, ev.Type)
	assert.Equal(t, "11:22:33:44:55:66", ev.Device.Address)
}

func TestHandleAdvertisementKeepsKnownName(t *testing.T) {
	s := newTestScanner(DefaultOptions())

	s.handleAdvertisement(fakeAdv{name: "Felicita", addr: "aa:bb:cc:dd:ee:ff", rssi: -60})
	// Scan responses without a local name must not erase what we know.
	s.handleAdvertisement(fakeAdv{name: "", addr: "aa:bb:cc:dd:ee:ff", rssi: -58})

	d, ok := s.devices.Get("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, "Felicita", d.Name)
	assert.Equal(t, "felicita", d.Vendor)
}

func TestUnknownVendorLeftEmpty(t *testing.T) {
	s := newTestScanner(DefaultOptions())

	s.handleAdvertisement(fakeAdv{name: "SomeHeadphones", addr: "aa:bb:cc:dd:ee:ff", rssi: -80})

	d, ok := s.devices.Get("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Empty(t, d.Vendor)
}

func TestKnownOnlyFiltersUnmatchedDevices(t *testing.T) {
	opts := DefaultOptions()
	opts.KnownOnly = true
	s := newTestScanner(opts)

	s.handleAdvertisement(fakeAdv{name: "SomeHeadphones", addr: "aa:bb:cc:dd:ee:ff", rssi: -80})
	s.handleAdvertisement(fakeAdv{name: "TP357S", addr: "11:22:33:44:55:66", rssi: -65})

	_, ok := s.devices.Get("aa:bb:cc:dd:ee:ff")
	assert.False(t, ok)

	d, ok := s.devices.Get("11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, "thermometer", d.Vendor)
}

func TestShouldIncludeDeviceFilters(t *testing.T) {
	s := newTestScanner(DefaultOptions())
	skaleService := ble.MustParse("FF08")
	otherService := ble.MustParse("180D")

	tests := []struct {
		name string
		opts Options
		adv  fakeAdv
		want bool
	}{
		{
			"no filters",
			Options{},
			fakeAdv{addr: "aa"},
			true,
		},
		{
			"blocked",
			Options{BlockList: []string{"aa"}},
			fakeAdv{addr: "aa"},
			false,
		},
		{
			"allow list hit",
			Options{AllowList: []string{"aa", "bb"}},
			fakeAdv{addr: "bb"},
			true,
		},
		{
			"allow list miss",
			Options{AllowList: []string{"aa"}},
			fakeAdv{addr: "bb"},
			false,
		},
		{
			"service filter hit",
			Options{ServiceUUIDs: []ble.UUID{skaleService}},
			fakeAdv{addr: "aa", services: []ble.UUID{skaleService}},
			true,
		},
		{
			"service filter miss",
			Options{ServiceUUIDs: []ble.UUID{skaleService}},
			fakeAdv{addr: "aa", services: []ble.UUID{otherService}},
			false,
		},
		{
			"block beats allow",
			Options{AllowList: []string{"aa"}, BlockList: []string{"aa"}},
			fakeAdv{addr: "aa"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.shouldIncludeDevice(tt.adv, &tt.opts))
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 10*time.Second, opts.Duration)
	assert.True(t, opts.DuplicateFilter)
	assert.False(t, opts.KnownOnly)
}
