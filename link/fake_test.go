package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/protocol"
)

const waitTimeout = 2 * time.Second

func shieldProfile() *shieldlink.Profile {
	return &shieldlink.Profile{
		Services: []*shieldlink.Service{
			{
				UUID:   shieldlink.ShieldServiceUUID,
				Handle: "svc",
				Characteristics: []*shieldlink.Characteristic{
					{UUID: shieldlink.ShieldTXUUID, Handle: "tx"},
					{UUID: shieldlink.ShieldRXUUID, Handle: "rx"},
				},
			},
		},
	}
}

type discoverResult struct {
	p   *shieldlink.Profile
	err error
}

type fakeConn struct {
	peer shieldlink.PeerID

	connectCh  chan error
	discoverCh chan discoverResult
	discovered chan struct{}

	mu          sync.Mutex
	lost        chan struct{}
	notify      shieldlink.NotifyHandler
	writes      [][]byte
	writeErr    error
	writeGate   chan struct{}
	connects    int
	disconnects int
	closed      bool
	readValue   []byte
}

func newFakeConn(peer shieldlink.PeerID) *fakeConn {
	return &fakeConn{
		peer:       peer,
		connectCh:  make(chan error, 1),
		discoverCh: make(chan discoverResult, 1),
		discovered: make(chan struct{}, 8),
		lost:       make(chan struct{}),
	}
}

func (c *fakeConn) Peer() shieldlink.PeerID { return c.peer }

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()

	select {
	case err := <-c.connectCh:
		if err == nil {
			c.mu.Lock()
			c.lost = make(chan struct{})
			c.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) DiscoverServices(ctx context.Context) (*shieldlink.Profile, error) {
	defer func() { c.discovered <- struct{}{} }()

	// a result queued before cancellation still wins, like a late callback
	select {
	case r := <-c.discoverCh:
		return r.p, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-c.discoverCh:
		return r.p, r.err
	default:
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.dropLocked()
	return nil
}

func (c *fakeConn) dropLocked() {
	select {
	case <-c.lost:
	default:
		close(c.lost)
	}
}

// dropLink simulates the peer going away.
func (c *fakeConn) dropLink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// Write blocks while writeGate is set and open, like a peer that is slow to
// acknowledge.
func (c *fakeConn) Write(ch *shieldlink.Characteristic, b []byte) error {
	c.mu.Lock()
	gate := c.writeGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) SetNotify(ch *shieldlink.Characteristic, enable bool, h shieldlink.NotifyHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enable {
		c.notify = h
	} else {
		c.notify = nil
	}
	return nil
}

// notifyRX simulates the shield pushing bytes on RX.
func (c *fakeConn) notifyRX(b []byte) {
	c.mu.Lock()
	h := c.notify
	c.mu.Unlock()
	if h != nil {
		h(b)
	}
}

func (c *fakeConn) Read(ctx context.Context, ch *shieldlink.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readValue, nil
}

func (c *fakeConn) ReadRSSI(ctx context.Context) (int, error) {
	return -60, nil
}

func (c *fakeConn) Disconnected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writtenFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// waitFrames waits until at least n frames were written and returns them all.
func (c *fakeConn) waitFrames(t *testing.T, n int) []string {
	t.Helper()
	var got []string
	eventually(t, "frames written", func() bool {
		got = c.writtenFrames()
		return len(got) >= n
	})
	return got
}

func (c *fakeConn) counts() (connects, disconnects int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, c.closed
}

type fakeTransport struct {
	adapterErr error
	dialErr    error

	mu    sync.Mutex
	conns []*fakeConn
}

func (t *fakeTransport) Adapter() error { return t.adapterErr }

func (t *fakeTransport) Dial(peer shieldlink.PeerID) (shieldlink.Conn, error) {
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn(peer)
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// fakeHandler pushes the default host state and acknowledges 'x' with "ack".
type fakeHandler struct {
	mu       sync.Mutex
	linkUps  int
	pushes   int
	received [][]byte
}

func (h *fakeHandler) LinkUp(w Writer) {
	h.mu.Lock()
	h.linkUps++
	h.mu.Unlock()
}

func (h *fakeHandler) PushState(w Writer) {
	h.mu.Lock()
	h.pushes++
	h.mu.Unlock()
	for _, p := range protocol.EncodeState(shieldlink.DefaultHostState()) {
		w.Send(p)
	}
}

func (h *fakeHandler) Receive(w Writer, b []byte) []byte {
	h.mu.Lock()
	h.received = append(h.received, b)
	h.mu.Unlock()

	cmds, rest := protocol.Parse(b)
	for range cmds {
		w.Send([]byte("ack"))
	}
	return rest
}

func (h *fakeHandler) pushCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pushes
}

type memStore struct {
	mu      sync.Mutex
	peer    shieldlink.PeerID
	cleared int
}

func (m *memStore) Store(p shieldlink.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peer = p
	return nil
}

func (m *memStore) Load() (shieldlink.PeerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer, nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peer = ""
	m.cleared++
	return nil
}

type recorder struct {
	ch chan shieldlink.Event

	mu  sync.Mutex
	all []shieldlink.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan shieldlink.Event, 1024)}
}

func (r *recorder) handle(e shieldlink.Event) {
	r.mu.Lock()
	r.all = append(r.all, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, typ shieldlink.EventType, match func(shieldlink.Event) bool) shieldlink.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return shieldlink.Event{}
		}
	}
}

func (r *recorder) waitState(t *testing.T, want shieldlink.State) {
	t.Helper()
	r.waitFor(t, shieldlink.EventStateChanged, func(e shieldlink.Event) bool {
		return e.Data.(shieldlink.StateChange).To == want
	})
}

func (r *recorder) sawState(st shieldlink.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.all {
		if sc, ok := e.Data.(shieldlink.StateChange); ok && sc.To == st {
			return true
		}
	}
	return false
}

func (r *recorder) count(typ shieldlink.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.all {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	tr     *fakeTransport
	h      *fakeHandler
	store  *memStore
	rec    *recorder
	s      *Session
	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, opts ...shieldlink.Option) *harness {
	t.Helper()
	hs := &harness{
		t:      t,
		tr:     &fakeTransport{},
		h:      &fakeHandler{},
		store:  &memStore{},
		rec:    newRecorder(),
		runErr: make(chan error, 1),
	}
	opts = append([]shieldlink.Option{
		shieldlink.OptPeerStore(hs.store),
		shieldlink.OptEventHandler(hs.rec.handle),
	}, opts...)

	s, err := New(hs.tr, hs.h, opts...)
	if err != nil {
		t.Fatal(err)
	}
	hs.s = s
	return hs
}

func (hs *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	hs.cancel = cancel
	go func() { hs.runErr <- hs.s.Run(ctx) }()
	hs.t.Cleanup(func() {
		cancel()
		<-hs.s.Done()
	})
}

// barrier returns once every event posted before it has been processed.
func (hs *harness) barrier() {
	hs.t.Helper()
	ch := make(chan struct{})
	hs.s.Submit(func(Writer) { close(ch) })
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		hs.t.Fatal("session loop stuck")
	}
}

// ready drives a fresh connection to peer up to Ready.
func (hs *harness) ready(peer shieldlink.PeerID) *fakeConn {
	hs.t.Helper()
	hs.s.Connect(peer)
	hs.rec.waitState(hs.t, shieldlink.StateConnecting)
	c := hs.tr.last()
	c.connectCh <- nil
	hs.rec.waitState(hs.t, shieldlink.StateServicesDiscovering)
	c.discoverCh <- discoverResult{p: shieldProfile()}
	hs.rec.waitState(hs.t, shieldlink.StateReady)
	hs.barrier()
	return c
}

// eventually polls cond until it holds or the wait times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
