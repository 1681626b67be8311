// Package ble bridges a web host to a single BLE peripheral. It supervises
// the GATT connection, discovers services, keeps notifications armed, and
// fragments writes larger than the transfer unit, reporting everything
// back to the host as named events.
package ble

// Property is the GATT characteristic properties bit field.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

// Has reports whether all bits in q are set.
func (p Property) Has(q Property) bool { return p&q == q }

// CanWrite reports whether either write property is set.
func (p Property) CanWrite() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

// CharID identifies a characteristic by its lower-case service and
// characteristic UUIDs.
type CharID struct {
	Service        string
	Characteristic string
}

func (c CharID) String() string { return c.Service + "/" + c.Characteristic }

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Device is a bonded peripheral as reported by the adapter.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// AdapterState is the power state of the local BLE adapter.
type AdapterState int

const (
	AdapterOff AdapterState = iota
	AdapterTurningOn
	AdapterOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterOn:
		return "on"
	case AdapterTurningOn:
		return "turning-on"
	default:
		return "off"
	}
}

// Priority is a connection-interval hint passed to the transport.
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHigh
	PriorityLowPower
)

// Adapter abstracts the local BLE hardware so the state machine can run
// against a fake in tests.
type Adapter interface {
	// Supported reports whether a BLE adapter is present at all.
	Supported() bool
	// State returns the current power state.
	State() AdapterState
	// PairedDevices lists bonded peripherals.
	PairedDevices() ([]Device, error)
	// Open starts connecting to address and returns the transport handle.
	// It must not block on the link: the outcome arrives later as a
	// StateChange delivered through sink. autoConnect asks the stack to
	// wait for the peripheral instead of failing fast, where supported.
	Open(address string, autoConnect bool, sink func(Event)) (Transport, error)
}

// Transport is the capability set of one GATT client connection. Every
// method is fire-and-forget: a nil error means the request was issued and
// its completion will arrive through the sink given to Adapter.Open.
type Transport interface {
	// Disconnect requests a graceful disconnect; completion is a
	// StateChange to StateDisconnected.
	Disconnect() error
	// Close releases the handle immediately. No further events are
	// expected after Close.
	Close() error
	RequestConnectionPriority(p Priority) error
	// RequestMTU asks for the given ATT MTU; completion is MTUChanged.
	RequestMTU(mtu int) error
	// DiscoverServices completes with ServicesDiscovered.
	DiscoverServices() error
	// Services returns the result of the last successful discovery.
	Services() []Service
	// SetNotify enables or disables local delivery of notifications.
	SetNotify(id CharID, enable bool) error
	// WriteDescriptor completes with DescriptorWrite.
	WriteDescriptor(id CharID, descriptor string, value []byte) error
	// WriteCharacteristic completes with CharacteristicWrite, for both
	// write types.
	WriteCharacteristic(id CharID, data []byte, withResponse bool) error
	// ReadCharacteristic completes with CharacteristicRead.
	ReadCharacteristic(id CharID) error
}

// Permissions is consulted before connecting.
type Permissions interface {
	// CanConnect reports whether the process may open GATT connections.
	CanConnect() bool
	// Missing lists the names of permissions that are not granted.
	Missing() []string
}

type grantAll struct{}

func (grantAll) CanConnect() bool  { return true }
func (grantAll) Missing() []string { return nil }
