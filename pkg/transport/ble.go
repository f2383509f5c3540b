package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// normalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// BLE is the go-ble transport for one peripheral. It satisfies the capture
// controller's Transport interface and exposes the GATT surface device
// handlers use for their handshakes.
//
// The bound address is mutable: rebinding to a new physical identity is done
// through SetAddress while the link is down.
type BLE struct {
	logger *logrus.Logger
	opts   *Options

	mu           sync.Mutex
	address      string
	client       ble.Client
	connected    bool
	chars        map[string]*ble.Characteristic
	onDisconnect func()

	writeMu sync.Mutex
}

// NewBLE creates an unbound BLE transport.
func NewBLE(logger *logrus.Logger, opts *Options) *BLE {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
		defaults.SetDefaults(opts)
	}

	return &BLE{
		logger: logger,
		opts:   opts,
		chars:  make(map[string]*ble.Characteristic),
	}
}

// Address returns the bound peripheral address, "" when unbound.
func (t *BLE) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// SetAddress rebinds the transport to a new physical identity. The caller is
// responsible for having released any existing link first.
func (t *BLE) SetAddress(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.address = addr
}

// OnDisconnect registers the callback fired on an unsolicited link drop.
// A requested Disconnect does not fire it.
func (t *BLE) OnDisconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Connected is a synchronous probe of the actual link state.
func (t *BLE) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.connected
}

// Connect dials the bound address, discovers the GATT profile, and starts
// watching for unsolicited drops. It honors ctx cancellation and the given
// timeout.
func (t *BLE) Connect(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	address := t.address
	if t.client != nil && t.connected {
		t.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	t.mu.Unlock()

	if strings.TrimSpace(address) == "" {
		return ErrNoAddress
	}

	t.logger.WithField("address", address).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			chars[normalizeUUID(char.UUID.String())] = char
		}
	}

	t.mu.Lock()
	t.client = client
	t.connected = true
	t.chars = chars
	t.mu.Unlock()

	go t.watchDisconnect(client)

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(chars),
	}).Info("BLE device connected")
	return nil
}

// Disconnect drops the link intentionally; the unsolicited-disconnect
// callback is suppressed for this drop.
func (t *BLE) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.connected = false
	t.chars = make(map[string]*ble.Characteristic)
	t.mu.Unlock()

	if client == nil {
		t.logger.Debug("Already disconnected")
		return nil
	}

	if err := client.CancelConnection(); err != nil {
		t.logger.WithError(err).Warn("BLE device disconnected with errors")
		return err
	}

	t.logger.Info("BLE device disconnected")
	return nil
}

// watchDisconnect fires the unsolicited-disconnect callback when the link
// drops without a requested Disconnect.
func (t *BLE) watchDisconnect(client ble.Client) {
	<-client.Disconnected()

	t.mu.Lock()
	unsolicited := t.client == client && t.connected
	if unsolicited {
		t.client = nil
		t.connected = false
		t.chars = make(map[string]*ble.Characteristic)
	}
	fn := t.onDisconnect
	t.mu.Unlock()

	if unsolicited {
		t.logger.Warn("BLE link dropped")
		if fn != nil {
			fn()
		}
	}
}

func (t *BLE) characteristic(uuid string) (ble.Client, *ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil || !t.connected {
		return nil, nil, ErrNotConnected
	}

	char, ok := t.chars[normalizeUUID(uuid)]
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %q not found", uuid)
	}
	return t.client, char, nil
}

// Read reads the current value of a characteristic from the device.
func (t *BLE) Read(uuid string) ([]byte, error) {
	client, char, err := t.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	data, err := client.ReadCharacteristic(char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %q: %w", uuid, err)
	}
	return data, nil
}

// Write sends data to a characteristic, split into MTU-sized chunks.
func (t *BLE) Write(uuid string, data []byte) error {
	client, char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for len(data) > 0 {
		chunkSize := len(data)
		if chunkSize > t.opts.ChunkSize {
			chunkSize = t.opts.ChunkSize
		}

		chunk := data[:chunkSize]
		data = data[chunkSize:]

		if err := client.WriteCharacteristic(char, chunk, false); err != nil {
			return fmt.Errorf("failed to write to characteristic %q: %w", uuid, err)
		}

		t.logger.WithFields(logrus.Fields{
			"uuid":  uuid,
			"bytes": len(chunk),
		}).Debug("Wrote chunk to characteristic")

		if len(data) > 0 {
			time.Sleep(t.opts.ChunkDelay)
		}
	}

	return nil
}

// Subscribe registers a notification handler on a characteristic.
func (t *BLE) Subscribe(uuid string, fn func(data []byte)) error {
	client, char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}

	if err := client.Subscribe(char, false, fn); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %q: %w", uuid, err)
	}

	t.logger.WithField("uuid", uuid).Debug("Subscribed to characteristic notifications")
	return nil
}
