package uart

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (f *fakePort) Read(b []byte) (int, error) { return f.r.Read(b) }

func (f *fakePort) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(b)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.r.Close()
}

func (f *fakePort) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

func newTestTransport(fp *fakePort, opened *serial.OpenOptions) *Transport {
	t := New("", 0)
	t.open = func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
		if opened != nil {
			*opened = o
		}
		return fp, nil
	}
	return t
}

func connect(t *testing.T, tr *Transport) (shieldlink.Conn, *shieldlink.Profile) {
	t.Helper()
	c, err := tr.Dial("/dev/ttyACM0")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := c.DiscoverServices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return c, p
}

func TestConnectOpensPort(t *testing.T) {
	var opened serial.OpenOptions
	tr := newTestTransport(newFakePort(), &opened)
	c, p := connect(t, tr)
	defer c.Close()

	if opened.PortName != "/dev/ttyACM0" || opened.BaudRate != DefaultBaud {
		t.Fatalf("opened with %+v", opened)
	}
	svc := p.FindService(shieldlink.ShieldServiceUUID)
	if svc.FindCharacteristic(shieldlink.ShieldTXUUID) == nil || svc.FindCharacteristic(shieldlink.ShieldRXUUID) == nil {
		t.Fatal("profile lacks shield characteristics")
	}
}

func TestWriteAndNotify(t *testing.T) {
	fp := newFakePort()
	c, p := connect(t, newTestTransport(fp, nil))
	defer c.Close()

	svc := p.FindService(shieldlink.ShieldServiceUUID)
	tx := svc.FindCharacteristic(shieldlink.ShieldTXUUID)
	rx := svc.FindCharacteristic(shieldlink.ShieldRXUUID)

	if err := c.Write(tx, []byte("\x00vfe")); err != nil {
		t.Fatal(err)
	}
	if got := fp.written(); got != "\x00vfe" {
		t.Fatalf("wrote %q", got)
	}
	if err := c.Write(rx, []byte("x")); err == nil {
		t.Fatal("expected error writing rx")
	}

	got := make(chan string, 1)
	if err := c.SetNotify(rx, true, func(b []byte) { got <- string(b) }); err != nil {
		t.Fatal(err)
	}
	go fp.w.Write([]byte("oV"))

	select {
	case s := <-got:
		if s != "oV" {
			t.Fatalf("notified %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestLinkLossOnReadError(t *testing.T) {
	fp := newFakePort()
	c, _ := connect(t, newTestTransport(fp, nil))
	defer c.Close()

	lost := c.Disconnected()
	select {
	case <-lost:
		t.Fatal("lost before error")
	default:
	}

	fp.w.CloseWithError(errors.New("device unplugged"))
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("link not lost after read error")
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	fp := newFakePort()
	tr := newTestTransport(fp, nil)
	c, _ := connect(t, tr)

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	<-c.Disconnected()
	if _, err := c.DiscoverServices(context.Background()); err == nil {
		t.Fatal("expected discovery to fail on a closed port")
	}

	fp2 := newFakePort()
	tr.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return fp2, nil }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Disconnected():
		t.Fatal("reconnected port reports lost")
	default:
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); errors.Cause(err) != shieldlink.ErrClosed {
		t.Fatalf("connect after close: %v", err)
	}
}

func TestReadRSSIUnsupported(t *testing.T) {
	c, _ := connect(t, newTestTransport(newFakePort(), nil))
	defer c.Close()
	if _, err := c.ReadRSSI(context.Background()); err != ErrNoRSSI {
		t.Fatalf("got %v", err)
	}
}

func TestAdapterChecksPort(t *testing.T) {
	if err := New("/nonexistent/tty", 0).Adapter(); err == nil {
		t.Fatal("expected error for missing port")
	}
	if err := New("", 0).Adapter(); err != nil {
		t.Fatal(err)
	}
}
