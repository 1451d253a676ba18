package link

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/chunk"
)

// SetFrameSize sets the maximum transport frame size.
func (s *Session) SetFrameSize(n int) error {
	if n < 1 {
		return errors.Wrapf(chunk.ErrFrameSize, "got %d", n)
	}
	s.frameSize = n
	return nil
}

// SetWireVariant selects headered or unheadered framing.
func (s *Session) SetWireVariant(v chunk.Variant) error {
	switch v {
	case chunk.Headered, chunk.Unheadered:
		s.variant = v
		return nil
	}
	return errors.Errorf("unknown wire variant %d", v)
}

// SetPushDelay sets the delay between link up and the full state push.
func (s *Session) SetPushDelay(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("negative push delay %v", d)
	}
	s.pushDelay = d
	return nil
}

// SetConnectTimeout bounds connect and discovery.
func (s *Session) SetConnectTimeout(d time.Duration) error {
	s.connectTimeout = d
	return nil
}

// SetPeerStore sets where the chosen peer is remembered.
func (s *Session) SetPeerStore(ps shieldlink.PeerStore) error {
	if ps == nil {
		ps = shieldlink.NopPeerStore{}
	}
	s.store = ps
	return nil
}

// SetEventHandler sets the observer of session events.
func (s *Session) SetEventHandler(h shieldlink.EventHandler) error {
	s.onEvent = h
	return nil
}

// SetErrorHandler sets a callback receiving every error that dropped the link.
func (s *Session) SetErrorHandler(handler func(error)) error {
	s.errorHandler = handler
	return nil
}
