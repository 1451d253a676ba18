package shieldlink

// PeerStore remembers the last peer the host chose.
type PeerStore interface {
	Store(PeerID) error
	Load() (PeerID, error)
	Clear() error
}

// NopPeerStore remembers nothing.
type NopPeerStore struct{}

func (NopPeerStore) Store(PeerID) error    { return nil }
func (NopPeerStore) Load() (PeerID, error) { return "", nil }
func (NopPeerStore) Clear() error          { return nil }
