package ble

import (
	"time"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// charState tracks one discovered characteristic.
type charState struct {
	props         Property
	notifyEnabled bool
	readInFlight  bool
}

// connContext is everything that belongs to one connection attempt. It is
// replaced, never reset, on each attempt, and dropped on teardown.
type connContext struct {
	gen       uint64
	address   string
	transport Transport

	unit          int // write payload size
	mtuConfigured bool
	connected     bool
	discovering   bool // discovery requested for this context
	closing       bool // disconnect requested by us
	lastActivity  time.Time

	services []Service
	chars    map[CharID]*charState
	inflight *transfer
}

func newConnContext(gen uint64, address string) *connContext {
	return &connContext{
		gen:     gen,
		address: address,
		unit:    protocol.DefaultTransferUnit,
		chars:   make(map[CharID]*charState),
	}
}

// live reports whether GATT operations may be issued.
func (c *connContext) live() bool {
	return c != nil && c.connected && c.transport != nil
}

// lookup resolves a characteristic against the last discovery.
func (c *connContext) lookup(id CharID) (*charState, error) {
	found := false
	for _, svc := range c.services {
		if svc.UUID != id.Service {
			continue
		}
		found = true
		for _, ch := range svc.Characteristics {
			if ch.UUID == id.Characteristic {
				st, ok := c.chars[id]
				if !ok {
					st = &charState{props: ch.Properties}
					c.chars[id] = st
				}
				return st, nil
			}
		}
	}
	if !found {
		return nil, newError(KindServiceNotFound, "service %s not found", id.Service)
	}
	return nil, newError(KindCharacteristicNotFound, "characteristic %s not found", id.Characteristic)
}
