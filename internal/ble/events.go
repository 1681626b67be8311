package ble

import "fmt"

// Status is a GATT status code. Zero is success; anything else is the
// stack's error code (133 is the ubiquitous Android "GATT_ERROR").
type Status int

const (
	StatusSuccess Status = 0
	StatusFailure Status = 257
)

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// ConnState is the link state carried by StateChange.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Event is a hardware callback routed through the manager's loop. The
// concrete types are StateChange, MTUChanged, ServicesDiscovered,
// DescriptorWrite, CharacteristicChanged, CharacteristicWrite and
// CharacteristicRead.
type Event interface {
	gattEvent()
}

type StateChange struct {
	Status Status
	State  ConnState
}

type MTUChanged struct {
	MTU    int
	Status Status
}

type ServicesDiscovered struct {
	Status Status
}

type DescriptorWrite struct {
	Char       CharID
	Descriptor string
	Status     Status
}

// CharacteristicChanged is an unsolicited notification.
type CharacteristicChanged struct {
	Char  CharID
	Value []byte
}

type CharacteristicWrite struct {
	Char   CharID
	Status Status
}

type CharacteristicRead struct {
	Char   CharID
	Value  []byte
	Status Status
}

func (StateChange) gattEvent()           {}
func (MTUChanged) gattEvent()            {}
func (ServicesDiscovered) gattEvent()    {}
func (DescriptorWrite) gattEvent()       {}
func (CharacteristicChanged) gattEvent() {}
func (CharacteristicWrite) gattEvent()   {}
func (CharacteristicRead) gattEvent()    {}

func (e StateChange) String() string {
	return fmt.Sprintf("StateChange(%s, status=%d)", e.State, e.Status)
}
