// Package uart is a shieldlink transport for a serial BLE bridge that is
// already bonded to the shield. The open port is the link: bytes written to
// it go to the shield TX characteristic and bytes read from it are RX
// notifications.
package uart

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

const (
	DefaultBaud = 115200

	txHandle = "uart-tx"
	rxHandle = "uart-rx"
	readSize = 256
)

// ErrNoRSSI is returned by ReadRSSI; the bridge does not report it.
var ErrNoRSSI = errors.New("rssi not available over uart")

// DefaultSerialOptions returns the port settings used for the bridge.
func DefaultSerialOptions(port string, baud uint) serial.OpenOptions {
	if baud == 0 {
		baud = DefaultBaud
	}
	return serial.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
}

type opener func(serial.OpenOptions) (io.ReadWriteCloser, error)

// Transport opens bridge ports. The peer id passed to Dial is the port path.
type Transport struct {
	port string
	baud uint
	open opener
	log  shieldlink.Logger
}

// New returns a transport. port, when set, is checked by Adapter.
func New(port string, baud uint) *Transport {
	return &Transport{
		port: port,
		baud: baud,
		open: serial.Open,
		log:  shieldlink.PkgLogger("uart"),
	}
}

func (t *Transport) Adapter() error {
	if t.port == "" {
		return nil
	}
	if _, err := os.Stat(t.port); err != nil {
		return errors.Wrapf(err, "bridge port %s", t.port)
	}
	return nil
}

func (t *Transport) Dial(peer shieldlink.PeerID) (shieldlink.Conn, error) {
	if peer.IsZero() {
		return nil, errors.New("no port given")
	}
	return &port{
		t:    t,
		peer: peer,
		opts: DefaultSerialOptions(peer.String(), t.baud),
		log:  t.log.ChildLogger(map[string]interface{}{"port": peer.String()}),
		lost: closedChan(),
	}, nil
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type port struct {
	t    *Transport
	peer shieldlink.PeerID
	opts serial.OpenOptions
	log  shieldlink.Logger

	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	lost   chan struct{}
	notify shieldlink.NotifyHandler
	closed bool
}

var profile = &shieldlink.Profile{
	Services: []*shieldlink.Service{{
		UUID:   shieldlink.ShieldServiceUUID,
		Handle: "uart",
		Characteristics: []*shieldlink.Characteristic{
			{UUID: shieldlink.ShieldTXUUID, Handle: txHandle},
			{UUID: shieldlink.ShieldRXUUID, Handle: rxHandle},
		},
	}},
}

func (p *port) Peer() shieldlink.PeerID { return p.peer }

func (p *port) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return shieldlink.ErrClosed
	}
	if p.rwc != nil {
		return nil
	}

	rwc, err := p.t.open(p.opts)
	if err != nil {
		return errors.Wrapf(err, "open %s", p.opts.PortName)
	}
	p.rwc = rwc
	p.lost = make(chan struct{})
	go p.rxLoop(rwc, p.lost)

	p.log.Infof("opened at %d baud", p.opts.BaudRate)
	return nil
}

func (p *port) rxLoop(rwc io.ReadWriteCloser, lost chan struct{}) {
	buf := make([]byte, readSize)
	for {
		n, err := rwc.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			p.mu.Lock()
			h := p.notify
			p.mu.Unlock()
			if h != nil {
				h(b)
			}
		}

		select {
		case <-lost:
			return
		default:
		}

		// an idle port times out with EOF
		if err == io.EOF || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			p.log.Warnf("read: %v", err)
			p.drop(rwc)
			return
		}
	}
}

// drop closes rwc if it is still the current port and signals link loss.
func (p *port) drop(rwc io.ReadWriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rwc != rwc {
		return
	}
	p.dropLocked()
}

func (p *port) dropLocked() {
	if p.rwc != nil {
		if err := p.rwc.Close(); err != nil {
			p.log.Debugf("close: %v", err)
		}
		p.rwc = nil
	}
	select {
	case <-p.lost:
	default:
		close(p.lost)
	}
}

func (p *port) DiscoverServices(ctx context.Context) (*shieldlink.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rwc == nil {
		return nil, errors.New("port not open")
	}
	return profile, nil
}

func (p *port) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
	return nil
}

func (p *port) Write(c *shieldlink.Characteristic, b []byte) error {
	if c == nil || c.Handle != txHandle {
		return errors.Errorf("characteristic %v is not writable", c)
	}
	p.mu.Lock()
	rwc := p.rwc
	p.mu.Unlock()
	if rwc == nil {
		return errors.New("port not open")
	}
	_, err := rwc.Write(b)
	return errors.Wrap(err, "write")
}

func (p *port) SetNotify(c *shieldlink.Characteristic, enable bool, h shieldlink.NotifyHandler) error {
	if c == nil || c.Handle != rxHandle {
		return errors.Errorf("characteristic %v does not notify", c)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if enable {
		p.notify = h
	} else {
		p.notify = nil
	}
	return nil
}

// Read is unsupported; the bridge only forwards notifications.
func (p *port) Read(ctx context.Context, c *shieldlink.Characteristic) ([]byte, error) {
	return nil, errors.New("characteristic reads not available over uart")
}

func (p *port) ReadRSSI(ctx context.Context) (int, error) {
	return 0, ErrNoRSSI
}

func (p *port) Disconnected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost
}

func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
