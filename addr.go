package shieldlink

import (
	"encoding/hex"
	"strings"
)

// PeerID identifies the remote shield on the transport.
// It's a MAC address for BlueZ or the serial port path for a UART bridge.
type PeerID string

// NewPeerID creates a PeerID from a user supplied string.
func NewPeerID(s string) PeerID {
	return PeerID(strings.TrimSpace(s))
}

func (p PeerID) String() string {
	return string(p)
}

func (p PeerID) IsZero() bool {
	return p == ""
}

// Bytes returns the address bytes, or nil when the id is not a hex MAC.
func (p PeerID) Bytes() []byte {
	hexStr := strings.Replace(p.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Debugf("peer id %q is not a mac address: %v", p.String(), err)
		return nil
	}

	return out
}

// Equal compares two ids ignoring the case of hex digits.
func (p PeerID) Equal(o PeerID) bool {
	return strings.EqualFold(string(p), string(o))
}
