package shieldlink

import (
	"context"

	"github.com/google/uuid"
)

// RedBear BLE shield GATT identifiers.
var (
	ShieldServiceUUID = uuid.MustParse("713d0000-503e-4c75-ba94-3148f18d941e")
	ShieldRXUUID      = uuid.MustParse("713d0002-503e-4c75-ba94-3148f18d941e")
	ShieldTXUUID      = uuid.MustParse("713d0003-503e-4c75-ba94-3148f18d941e")
)

// Characteristic is a read/write/notify endpoint on the peer.
// Handle is driver specific (ATT handle, D-Bus object path, ...).
type Characteristic struct {
	UUID   uuid.UUID `json:"uuid"`
	Handle string    `json:"handle"`
}

// Service groups the characteristics discovered under one service UUID.
type Service struct {
	UUID            uuid.UUID         `json:"uuid"`
	Handle          string            `json:"handle"`
	Characteristics []*Characteristic `json:"characteristics"`
}

// Profile is the result of service discovery.
type Profile struct {
	Services []*Service `json:"services"`
}

// FindService returns the service with the given UUID, or nil.
func (p *Profile) FindService(u uuid.UUID) *Service {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if s.UUID == u {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the characteristic with the given UUID, or nil.
func (s *Service) FindCharacteristic(u uuid.UUID) *Characteristic {
	if s == nil {
		return nil
	}
	for _, c := range s.Characteristics {
		if c.UUID == u {
			return c
		}
	}
	return nil
}

// NotifyHandler receives values pushed by the peer on a characteristic.
type NotifyHandler func(b []byte)

// Transport is the radio side of the link.
type Transport interface {
	// Adapter reports whether the local radio is usable.
	Adapter() error

	// Dial creates a connection object for the peer. No I/O happens until Connect.
	Dial(peer PeerID) (Conn, error)
}

// Conn is a connection object to a single peer. It may be connected and
// disconnected several times before it is closed.
type Conn interface {
	Peer() PeerID

	// Connect blocks until the link is up or the attempt fails.
	Connect(ctx context.Context) error

	// DiscoverServices blocks until the peer's profile is known.
	DiscoverServices(ctx context.Context) (*Profile, error)

	// Disconnect tears the link down. It does not wait.
	Disconnect() error

	// Write sends one frame to the characteristic.
	Write(c *Characteristic, b []byte) error

	// SetNotify arms or disarms notifications on the characteristic.
	SetNotify(c *Characteristic, enable bool, h NotifyHandler) error

	Read(ctx context.Context, c *Characteristic) ([]byte, error)

	// ReadRSSI returns the remote device's signal strength.
	ReadRSSI(ctx context.Context) (int, error)

	// Disconnected returns a channel which is closed when the current link drops.
	// A new channel is returned after every successful Connect.
	Disconnected() <-chan struct{}

	Close() error
}
