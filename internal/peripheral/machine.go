package peripheral

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/crema/pkg/transport"
)

// DE1-family espresso machine GATT layout. The machine exposes a single
// vendor service; state is driven by writing the requested-state
// characteristic and observed through state-info notifications.
const (
	machineServiceUUID   = "0000A000-0000-1000-8000-00805F9B34FB"
	machineVersionUUID   = "0000A001-0000-1000-8000-00805F9B34FB"
	machineReqStateUUID  = "0000A002-0000-1000-8000-00805F9B34FB"
	machineStateInfoUUID = "0000A00E-0000-1000-8000-00805F9B34FB"
	machineWaterUUID     = "0000A011-0000-1000-8000-00805F9B34FB"
)

// Requested-state opcodes understood by the machine.
const (
	machineStateSleep byte = 0x00
	machineStateIdle  byte = 0x02
)

// Machine drives the espresso machine handshake: read the firmware version,
// subscribe to state notifications, and park the machine in idle so the
// first user command is not racing a sleep state.
type Machine struct {
	gatt   transport.GATT
	logger *logrus.Logger

	mu       sync.Mutex
	fwModel  uint32
	state    byte
	substate byte
}

// NewMachine creates the espresso machine handler.
func NewMachine(gatt transport.GATT, logger *logrus.Logger) Handler {
	return &Machine{gatt: gatt, logger: logger}
}

func (m *Machine) Kind() Kind       { return KindMachine }
func (m *Machine) Describe() string { return "DE1 espresso machine" }

// Prepare resets the cached machine snapshot. Runs with no link assumed.
func (m *Machine) Prepare() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fwModel = 0
	m.state = 0
	m.substate = 0
}

// Initialize performs the machine handshake over a live link.
func (m *Machine) Initialize(ctx context.Context, holdReady bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	version, err := m.gatt.Read(machineVersionUUID)
	if err != nil {
		return fmt.Errorf("machine version read failed: %w", err)
	}
	if len(version) >= 4 {
		m.mu.Lock()
		m.fwModel = binary.BigEndian.Uint32(version[:4])
		m.mu.Unlock()
	}

	if err := m.gatt.Subscribe(machineStateInfoUUID, m.onStateInfo); err != nil {
		return fmt.Errorf("machine state subscription failed: %w", err)
	}

	// Wake the machine into idle so it accepts commands.
	if err := m.gatt.Write(machineReqStateUUID, []byte{machineStateIdle}); err != nil {
		return fmt.Errorf("machine idle request failed: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"firmware":   m.Firmware(),
		"hold_ready": holdReady,
	}).Info("Espresso machine initialized")
	return nil
}

func (m *Machine) onStateInfo(data []byte) {
	if len(data) < 2 {
		return
	}
	m.mu.Lock()
	m.state = data[0]
	m.substate = data[1]
	m.mu.Unlock()
}

// Firmware returns the firmware/model word read during the handshake.
func (m *Machine) Firmware() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fwModel
}

// MachineState returns the last notified (state, substate) pair.
func (m *Machine) MachineState() (byte, byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.substate
}

func init() {
	register("de1", nameContains("de1"), NewMachine)
}
