package shieldlink

import (
	"time"

	"github.com/rigado/shieldlink/chunk"
)

// SessionOption is an interface which the link session implements to allow using configuration options
type SessionOption interface {
	SetFrameSize(n int) error
	SetWireVariant(v chunk.Variant) error
	SetPushDelay(d time.Duration) error
	SetConnectTimeout(d time.Duration) error
	SetPeerStore(s PeerStore) error
	SetEventHandler(h EventHandler) error
	SetErrorHandler(handler func(error)) error
}

// An Option is a configuration function, which configures the session.
type Option func(SessionOption) error

// OptFrameSize sets the maximum transport frame size.
func OptFrameSize(n int) Option {
	return func(opt SessionOption) error {
		return opt.SetFrameSize(n)
	}
}

// OptWireVariant selects the wire variant matching the shield firmware.
func OptWireVariant(v chunk.Variant) Option {
	return func(opt SessionOption) error {
		return opt.SetWireVariant(v)
	}
}

// OptPushDelay delays the full state push after the link comes up.
// Zero pushes immediately.
func OptPushDelay(d time.Duration) Option {
	return func(opt SessionOption) error {
		return opt.SetPushDelay(d)
	}
}

// OptConnectTimeout bounds connect and discovery attempts. Zero waits forever.
func OptConnectTimeout(d time.Duration) Option {
	return func(opt SessionOption) error {
		return opt.SetConnectTimeout(d)
	}
}

// OptPeerStore sets where the chosen peer is remembered.
func OptPeerStore(s PeerStore) Option {
	return func(opt SessionOption) error {
		return opt.SetPeerStore(s)
	}
}

// OptEventHandler sets the observer of session events.
func OptEventHandler(h EventHandler) Option {
	return func(opt SessionOption) error {
		return opt.SetEventHandler(h)
	}
}

// OptErrorHandler sets a callback receiving every error that dropped the link,
// in addition to the EventError event.
func OptErrorHandler(handler func(error)) Option {
	return func(opt SessionOption) error {
		return opt.SetErrorHandler(handler)
	}
}
