package link

import (
	"github.com/google/uuid"
	"github.com/rigado/shieldlink"
)

// event is anything processed by the session loop.
type event interface{}

// host requests
type reqConnect struct{ peer shieldlink.PeerID }
type reqReconnect struct{}
type reqDisconnect struct{}
type reqForget struct{}
type reqSend struct{ payload []byte }
type reqReadRSSI struct{}
type reqRead struct{ uuid uuid.UUID }
type reqSubmit struct{ fn func(Writer) }

// transport results, tagged with the generation of the attempt that issued them
type evConnected struct {
	gen uint64
	err error
}

// evDiscovered carries the resolved handles; RX notifications are already
// enabled when err is nil.
type evDiscovered struct {
	gen     uint64
	handles Handles
	err     error
}

type evDisconnected struct{ gen uint64 }

type evNotify struct {
	gen  uint64
	data []byte
}

type evRSSI struct {
	gen  uint64
	rssi int
	err  error
}

type evRead struct {
	gen  uint64
	c    *shieldlink.Characteristic
	data []byte
	err  error
}

type evWriteFailed struct {
	gen uint64
	err error
}

type evPush struct{ gen uint64 }
