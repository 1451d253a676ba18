package shieldlink

import "github.com/pkg/errors"

var (
	// ErrUnsupported is returned when the local radio is missing. It is fatal.
	ErrUnsupported = errors.New("bluetooth le unsupported")

	// ErrNoService is returned when the peer lacks the shield service or characteristics.
	ErrNoService = errors.New("shield service not found")

	// ErrClosed is returned by drivers after Close.
	ErrClosed = errors.New("connection closed")
)
