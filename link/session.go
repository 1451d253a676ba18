// Package link owns the connection to the shield: the connection state
// machine, outbound framing and inbound notification delivery.
//
// All state lives in one goroutine (Run). Host requests and transport
// callbacks are posted to its queue and processed one at a time. The loop
// never waits on the transport: connect, discovery and reads run in their
// own goroutines, frames go through a per-link writer goroutine and teardown
// is released asynchronously. Results are posted back tagged with the
// generation they were issued under; results from an older generation are
// discarded.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/chunk"
)

const (
	queueSize      = 64
	writeQueueSize = 256
)

var nothingToRelease = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Writer sends one logical payload to the shield. Sends while the link is
// not ready are dropped.
type Writer interface {
	Send(payload []byte)
}

// Handler is the application side of the link. Its methods are called from
// the session loop and must not block.
type Handler interface {
	// LinkUp is called when the link becomes ready, before the state push.
	LinkUp(w Writer)

	// PushState sends the full host state.
	PushState(w Writer)

	// Receive handles a notification from the shield and returns the bytes
	// it did not consume.
	Receive(w Writer, b []byte) (rest []byte)
}

// Handles are the characteristics resolved during discovery.
type Handles struct {
	TX *shieldlink.Characteristic
	RX *shieldlink.Characteristic
}

func (h Handles) IsSet() bool {
	return h.TX != nil && h.RX != nil
}

// Status is a snapshot of the session.
type Status struct {
	State      shieldlink.State
	Peer       shieldlink.PeerID
	Handles    Handles
	Generation uint64
}

// Session is the link to one shield.
type Session struct {
	t   shieldlink.Transport
	h   Handler
	log shieldlink.Logger

	frameSize      int
	variant        chunk.Variant
	pushDelay      time.Duration
	connectTimeout time.Duration
	store          shieldlink.PeerStore
	onEvent        shieldlink.EventHandler
	errorHandler   func(error)

	queue   chan event
	done    chan struct{}
	runOnce sync.Once

	// owned by the loop
	ctx       context.Context
	actx      context.Context
	state     shieldlink.State
	peer      shieldlink.PeerID
	conn      shieldlink.Conn
	handles   Handles
	frames    chan<- []byte
	gen       uint64
	cancel    context.CancelFunc
	pushTimer *time.Timer

	// closed when the last teardown handed to release has finished
	released <-chan struct{}

	muStatus sync.RWMutex
	status   Status
}

// New returns a session using transport t and delivering traffic to h.
func New(t shieldlink.Transport, h Handler, opts ...shieldlink.Option) (*Session, error) {
	s := &Session{
		t:         t,
		h:         h,
		log:       shieldlink.PkgLogger("link"),
		frameSize: chunk.DefaultFrameSize,
		variant:   chunk.Headered,
		store:     shieldlink.NopPeerStore{},
		queue:     make(chan event, queueSize),
		done:      make(chan struct{}),
		state:     shieldlink.StateIdle,
		released:  nothingToRelease,
	}
	if err := s.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}
	return s, nil
}

// Option sets the options specified.
func (s *Session) Option(opts ...shieldlink.Option) error {
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return err
		}
	}
	return nil
}

// Run processes events until ctx is done. It fails immediately with
// shieldlink.ErrUnsupported when the transport has no usable adapter.
func (s *Session) Run(ctx context.Context) error {
	var started bool
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session already running")
	}
	defer close(s.done)

	if err := s.t.Adapter(); err != nil {
		s.log.Errorf("adapter unavailable: %v", err)
		s.emit(shieldlink.EventUnsupported, shieldlink.ErrorInfo{Reason: err.Error()})
		return errors.Wrap(shieldlink.ErrUnsupported, err.Error())
	}

	s.ctx = ctx
	s.publishStatus()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.queue:
			s.handle(ev)
			s.publishStatus()
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the state as of the last processed event.
func (s *Session) Status() Status {
	s.muStatus.RLock()
	defer s.muStatus.RUnlock()
	return s.status
}

// Connect remembers peer and connects to it.
func (s *Session) Connect(peer shieldlink.PeerID) { s.post(reqConnect{peer}) }

// Reconnect connects to the remembered peer, if any.
func (s *Session) Reconnect() { s.post(reqReconnect{}) }

// Disconnect tears down the link or cancels a pending attempt.
func (s *Session) Disconnect() { s.post(reqDisconnect{}) }

// Forget disconnects and clears the remembered peer.
func (s *Session) Forget() { s.post(reqForget{}) }

// Send frames and writes payload. It is dropped when the link is not ready.
func (s *Session) Send(payload []byte) {
	b := make([]byte, len(payload))
	copy(b, payload)
	s.post(reqSend{b})
}

// SendText sends raw text typed by the user.
func (s *Session) SendText(text string) { s.Send([]byte(text)) }

// ReadRSSI requests the peer's signal strength, reported as EventSignalStrength.
func (s *Session) ReadRSSI() { s.post(reqReadRSSI{}) }

// Read requests the value of one of the shield characteristics, reported as
// EventCharacteristicRead. Values read from RX are also handled as commands.
func (s *Session) Read(u uuid.UUID) { s.post(reqRead{u}) }

// Submit runs fn inside the session loop. Host originated state changes go
// through here so they are ordered with transport events.
func (s *Session) Submit(fn func(Writer)) { s.post(reqSubmit{fn}) }

func (s *Session) post(ev event) {
	select {
	case s.queue <- ev:
	case <-s.done:
		s.log.Debugf("session stopped, dropping %T", ev)
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case reqConnect:
		s.handleConnect(e.peer, true)
	case reqReconnect:
		s.handleReconnect()
	case reqDisconnect:
		s.handleDisconnect()
	case reqForget:
		s.handleForget()
	case reqSend:
		s.transmit(e.payload)
	case reqReadRSSI:
		s.handleReadRSSI()
	case reqRead:
		s.handleRead(e.uuid)
	case reqSubmit:
		e.fn(loopWriter{s})

	case evConnected:
		s.handleConnected(e)
	case evDiscovered:
		s.handleDiscovered(e)
	case evDisconnected:
		s.handleLinkLost(e)
	case evNotify:
		s.handleNotify(e)
	case evRSSI:
		s.handleRSSI(e)
	case evRead:
		s.handleReadResult(e)
	case evWriteFailed:
		s.handleWriteFailed(e)
	case evPush:
		s.handlePush(e)

	default:
		s.log.Warnf("unhandled event %T", ev)
	}
}

func (s *Session) active() bool {
	switch s.state {
	case shieldlink.StateConnecting, shieldlink.StateServicesDiscovering, shieldlink.StateReady:
		return true
	}
	return false
}

func (s *Session) stale(gen uint64, ev event) bool {
	if gen != s.gen {
		s.log.Debugf("discarding %T from generation %d (current %d)", ev, gen, s.gen)
		return true
	}
	return false
}

func (s *Session) handleConnect(peer shieldlink.PeerID, remember bool) {
	if peer.IsZero() {
		s.log.Warn("connect requested without a peer")
		return
	}

	if remember {
		if err := s.store.Store(peer); err != nil {
			s.log.Warnf("can't remember peer %s: %v", peer, err)
		}
	}

	if s.active() {
		if s.peer.Equal(peer) {
			s.log.Debugf("already %s to %s", s.state, peer)
			return
		}
		s.log.Infof("switching from %s to %s", s.peer, peer)
		s.abort()
		s.setState(shieldlink.StateDisconnected)
	}

	// An existing connection object to the same peer is reused.
	if s.conn != nil && !s.conn.Peer().Equal(peer) {
		s.release(s.conn, false, true)
		s.conn = nil
	}

	s.peer = peer
	if s.conn == nil {
		c, err := s.t.Dial(peer)
		if err != nil {
			s.fail(errors.Wrapf(err, "dial %s", peer))
			return
		}
		s.log.Debugf("created connection to %s", peer)
		s.conn = c
	} else {
		s.log.Debugf("reusing connection to %s", peer)
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.actx, s.cancel = ctx, cancel
	s.setState(shieldlink.StateConnecting)

	conn, prev := s.conn, s.released
	go func() {
		// the previous link must be down before this one is brought up
		select {
		case <-prev:
		case <-ctx.Done():
			s.post(evConnected{gen: gen, err: ctx.Err()})
			return
		}
		cctx, done := s.withTimeout(ctx)
		defer done()
		s.post(evConnected{gen: gen, err: conn.Connect(cctx)})
	}()
}

func (s *Session) handleReconnect() {
	peer, err := s.store.Load()
	if err != nil {
		s.log.Warnf("can't load remembered peer: %v", err)
		return
	}
	if peer.IsZero() {
		s.log.Info("no peer remembered")
		return
	}
	s.handleConnect(peer, false)
}

func (s *Session) handleDisconnect() {
	if !s.active() {
		s.log.Debugf("disconnect requested while %s", s.state)
		return
	}
	s.abort()
	s.setState(shieldlink.StateDisconnected)
}

func (s *Session) handleForget() {
	if err := s.store.Clear(); err != nil {
		s.log.Warnf("can't clear remembered peer: %v", err)
	}
	if s.active() {
		s.abort()
	}
	s.setState(shieldlink.StateIdle)
	s.peer = ""
}

func (s *Session) handleConnected(e evConnected) {
	if s.stale(e.gen, e) || s.state != shieldlink.StateConnecting {
		return
	}
	if e.err != nil {
		s.fail(errors.Wrapf(e.err, "connect %s", s.peer))
		return
	}

	s.log.Infof("connected to %s, discovering services", s.peer)
	s.setState(shieldlink.StateServicesDiscovering)

	gen := e.gen
	conn := s.conn
	ctx := s.actx
	lost := conn.Disconnected()
	go func() {
		select {
		case <-lost:
			s.post(evDisconnected{gen})
		case <-ctx.Done():
		}
	}()
	go func() {
		dctx, done := s.withTimeout(ctx)
		defer done()
		h, err := s.discover(dctx, conn, gen)
		s.post(evDiscovered{gen: gen, handles: h, err: err})
	}()
}

// discover resolves the shield characteristics and enables notifications on
// RX. Notifications are tagged with gen.
func (s *Session) discover(ctx context.Context, conn shieldlink.Conn, gen uint64) (Handles, error) {
	p, err := conn.DiscoverServices(ctx)
	if err != nil {
		return Handles{}, errors.Wrap(err, "discover services")
	}
	if err := ctx.Err(); err != nil {
		return Handles{}, errors.Wrap(err, "discover services")
	}

	svc := p.FindService(shieldlink.ShieldServiceUUID)
	h := Handles{
		TX: svc.FindCharacteristic(shieldlink.ShieldTXUUID),
		RX: svc.FindCharacteristic(shieldlink.ShieldRXUUID),
	}
	if !h.IsSet() {
		return Handles{}, errors.Wrapf(shieldlink.ErrNoService, "peer %s", conn.Peer())
	}

	err = conn.SetNotify(h.RX, true, func(b []byte) {
		data := make([]byte, len(b))
		copy(data, b)
		s.post(evNotify{gen: gen, data: data})
	})
	if err != nil {
		return Handles{}, errors.Wrap(err, "enable rx notifications")
	}
	return h, nil
}

func (s *Session) handleDiscovered(e evDiscovered) {
	if s.stale(e.gen, e) || s.state != shieldlink.StateServicesDiscovering {
		return
	}
	if e.err != nil {
		s.fail(e.err)
		return
	}

	gen := e.gen
	s.handles = e.handles
	s.frames = s.startWriter(s.actx, gen, s.conn, e.handles.TX)
	s.setState(shieldlink.StateReady)
	s.emit(shieldlink.EventLinkUp, nil)

	w := loopWriter{s}
	s.h.LinkUp(w)

	if s.pushDelay <= 0 {
		s.h.PushState(w)
		return
	}
	s.pushTimer = time.AfterFunc(s.pushDelay, func() {
		s.post(evPush{gen})
	})
}

func (s *Session) handleLinkLost(e evDisconnected) {
	if s.stale(e.gen, e) || !s.active() {
		return
	}
	s.log.Infof("link to %s lost", s.peer)
	s.abort()
	s.setState(shieldlink.StateDisconnected)
}

func (s *Session) handleNotify(e evNotify) {
	if s.stale(e.gen, e) || s.state != shieldlink.StateReady {
		return
	}
	s.receive(e.data)
}

func (s *Session) receive(b []byte) {
	rest := s.h.Receive(loopWriter{s}, b)
	if len(rest) > 0 {
		s.emit(shieldlink.EventTextReceived, shieldlink.TextReceived{Data: rest})
	}
}

func (s *Session) handlePush(e evPush) {
	s.pushTimer = nil
	if s.stale(e.gen, e) || s.state != shieldlink.StateReady {
		return
	}
	s.h.PushState(loopWriter{s})
}

func (s *Session) handleReadRSSI() {
	if s.state != shieldlink.StateReady {
		s.log.Debug("rssi requested while not ready")
		return
	}
	gen, conn, ctx := s.gen, s.conn, s.actx
	go func() {
		rssi, err := conn.ReadRSSI(ctx)
		s.post(evRSSI{gen: gen, rssi: rssi, err: err})
	}()
}

func (s *Session) handleRSSI(e evRSSI) {
	if s.stale(e.gen, e) {
		return
	}
	if e.err != nil {
		s.log.Warnf("read rssi: %v", e.err)
		return
	}
	s.emit(shieldlink.EventSignalStrength, shieldlink.SignalStrength{RSSI: e.rssi})
}

func (s *Session) handleRead(u uuid.UUID) {
	if s.state != shieldlink.StateReady {
		s.log.Debug("read requested while not ready")
		return
	}

	var c *shieldlink.Characteristic
	switch u {
	case s.handles.TX.UUID:
		c = s.handles.TX
	case s.handles.RX.UUID:
		c = s.handles.RX
	default:
		s.log.Warnf("read of unknown characteristic %s", u)
		return
	}

	gen, conn, ctx := s.gen, s.conn, s.actx
	go func() {
		b, err := conn.Read(ctx, c)
		s.post(evRead{gen: gen, c: c, data: b, err: err})
	}()
}

func (s *Session) handleReadResult(e evRead) {
	if s.stale(e.gen, e) || s.state != shieldlink.StateReady {
		return
	}
	if e.err != nil {
		s.log.Warnf("read %s: %v", e.c.UUID, e.err)
		return
	}
	s.emit(shieldlink.EventCharacteristicRead, shieldlink.CharacteristicRead{UUID: e.c.UUID, Data: e.data})
	if e.c == s.handles.RX {
		s.receive(e.data)
	}
}

// transmit splits payload into frames and queues them for the writer. A
// payload that does not fit the queue is dropped whole.
func (s *Session) transmit(payload []byte) {
	if s.state != shieldlink.StateReady {
		s.log.Debugf("not ready, dropping %d bytes", len(payload))
		return
	}

	frames := chunk.New(payload, s.frameSize, s.variant.Header())
	n := frames.Count()
	if free := cap(s.frames) - len(s.frames); n > free {
		s.log.Warnf("write queue full, dropping %d bytes", len(payload))
		return
	}
	for f := range frames.All() {
		s.frames <- f
	}
	s.log.Debugf("queued %q in %d frames", payload, n)
}

// startWriter writes queued frames to tx in order until ctx is done. The
// first failed write is posted back and stops the writer.
func (s *Session) startWriter(ctx context.Context, gen uint64, conn shieldlink.Conn, tx *shieldlink.Characteristic) chan<- []byte {
	frames := make(chan []byte, writeQueueSize)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-frames:
				if ctx.Err() != nil {
					return
				}
				if err := conn.Write(tx, f); err != nil {
					s.post(evWriteFailed{gen: gen, err: err})
					return
				}
			}
		}
	}()
	return frames
}

func (s *Session) handleWriteFailed(e evWriteFailed) {
	if s.stale(e.gen, e) || s.state != shieldlink.StateReady {
		return
	}
	s.fail(errors.Wrap(e.err, "write tx"))
}

// abort invalidates the current attempt, leaves Ready if needed and asks the
// transport to disconnect. The caller sets the next state.
func (s *Session) abort() {
	s.gen++

	if s.pushTimer != nil {
		s.pushTimer.Stop()
		s.pushTimer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.actx = nil
	}

	wasReady := s.state == shieldlink.StateReady
	s.handles = Handles{}
	s.frames = nil

	if s.conn != nil {
		s.release(s.conn, true, false)
	}
	if wasReady {
		s.emit(shieldlink.EventLinkDown, nil)
	}
}

// release disconnects and optionally closes conn outside the loop. Releases
// run one after another and the next connect waits for the last one. During
// shutdown they run inline so Run returns with the transport released.
func (s *Session) release(conn shieldlink.Conn, disconnect, closeConn bool) {
	prev := s.released
	done := make(chan struct{})
	s.released = done

	peer := conn.Peer()
	run := func() {
		defer close(done)
		<-prev
		if disconnect {
			if err := conn.Disconnect(); err != nil {
				s.log.Debugf("disconnect %s: %v", peer, err)
			}
		}
		if closeConn {
			if err := conn.Close(); err != nil {
				s.log.Debugf("close %s: %v", peer, err)
			}
		}
	}

	if s.ctx.Err() != nil {
		run()
		return
	}
	go run()
}

// fail drops the link and reports err. There is no retry.
func (s *Session) fail(err error) {
	s.log.Errorf("%v", err)
	if s.active() {
		s.abort()
	}
	s.setState(shieldlink.StateDisconnected)
	s.emit(shieldlink.EventError, shieldlink.ErrorInfo{Reason: err.Error()})
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
}

func (s *Session) shutdown() {
	if s.active() {
		s.abort()
		s.setState(shieldlink.StateDisconnected)
	}
	if s.conn != nil {
		s.release(s.conn, false, true)
		s.conn = nil
	}
	s.publishStatus()
}

func (s *Session) setState(to shieldlink.State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Infof("%s -> %s (peer %q)", from, to, s.peer)
	s.emit(shieldlink.EventStateChanged, shieldlink.StateChange{From: from, To: to})
}

func (s *Session) emit(t shieldlink.EventType, data interface{}) {
	if s.onEvent != nil {
		s.onEvent(shieldlink.NewEvent(t, s.peer, data))
	}
}

func (s *Session) publishStatus() {
	s.muStatus.Lock()
	s.status = Status{State: s.state, Peer: s.peer, Handles: s.handles, Generation: s.gen}
	s.muStatus.Unlock()
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.connectTimeout > 0 {
		return context.WithTimeout(ctx, s.connectTimeout)
	}
	return context.WithCancel(ctx)
}

type loopWriter struct{ s *Session }

func (w loopWriter) Send(payload []byte) { w.s.transmit(payload) }
