package link

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/chunk"
)

func TestConnectToReady(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")

	st := hs.s.Status()
	if st.State != shieldlink.StateReady {
		t.Fatalf("state = %s", st.State)
	}
	if !st.Handles.IsSet() {
		t.Fatal("handles not set while ready")
	}
	if st.Handles.TX.UUID != shieldlink.ShieldTXUUID || st.Handles.RX.UUID != shieldlink.ShieldRXUUID {
		t.Fatalf("wrong handles %+v", st.Handles)
	}

	want := []string{"\x00vfe", "\x00x", "\x00aArtist\n", "\x00tTrack\n"}
	if got := c.waitFrames(t, len(want)); !reflect.DeepEqual(got, want) {
		t.Fatalf("state push = %q, want %q", got, want)
	}
	if hs.h.pushCount() != 1 {
		t.Fatalf("pushed %d times", hs.h.pushCount())
	}
	if hs.rec.count(shieldlink.EventLinkUp) != 1 {
		t.Fatal("no link up event")
	}
	if p, _ := hs.store.Load(); p != "AA:BB" {
		t.Fatalf("stored peer %q", p)
	}
}

func TestUnheaderedVariant(t *testing.T) {
	hs := newHarness(t, shieldlink.OptWireVariant(chunk.Unheadered), shieldlink.OptFrameSize(4))
	hs.start()

	c := hs.ready("AA:BB")

	want := []string{"vfe", "x", "aArt", "ist\n", "tTra", "ck\n"}
	if got := c.waitFrames(t, len(want)); !reflect.DeepEqual(got, want) {
		t.Fatalf("state push = %q, want %q", got, want)
	}
}

func TestDisconnectDuringDiscovery(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.Connect("AA:BB")
	hs.rec.waitState(t, shieldlink.StateConnecting)
	c := hs.tr.last()
	c.connectCh <- nil
	hs.rec.waitState(t, shieldlink.StateServicesDiscovering)

	hs.s.Disconnect()
	hs.rec.waitState(t, shieldlink.StateDisconnected)

	// the discovery result arrives late
	c.discoverCh <- discoverResult{p: shieldProfile()}
	select {
	case <-c.discovered:
	case <-time.After(waitTimeout):
		t.Fatal("discovery never returned")
	}
	hs.barrier()

	st := hs.s.Status()
	if st.State != shieldlink.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st.State)
	}
	if st.Handles.IsSet() {
		t.Fatal("handles set after disconnect")
	}
	if hs.rec.sawState(shieldlink.StateReady) {
		t.Fatal("entered ready after disconnect request")
	}
	eventually(t, "transport disconnect", func() bool {
		_, d, _ := c.counts()
		return d > 0
	})
}

func TestDisconnectWhileConnecting(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.Connect("AA:BB")
	hs.rec.waitState(t, shieldlink.StateConnecting)
	hs.s.Disconnect()
	hs.rec.waitState(t, shieldlink.StateDisconnected)

	// too late, the attempt was cancelled
	hs.tr.last().connectCh <- nil
	hs.barrier()
	time.Sleep(20 * time.Millisecond)
	hs.barrier()

	if st := hs.s.Status(); st.State != shieldlink.StateDisconnected {
		t.Fatalf("state = %s", st.State)
	}
	if hs.rec.sawState(shieldlink.StateServicesDiscovering) {
		t.Fatal("stale connect result was applied")
	}
}

func TestSendWhileNotReady(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.SendText("hello")
	hs.barrier()

	hs.s.Connect("AA:BB")
	hs.rec.waitState(t, shieldlink.StateConnecting)
	hs.s.SendText("hello")
	hs.barrier()

	if got := hs.tr.last().writtenFrames(); len(got) != 0 {
		t.Fatalf("wrote %q while not ready", got)
	}
	if hs.rec.count(shieldlink.EventError) != 0 {
		t.Fatal("send while not ready reported an error")
	}
}

func TestSendChunks(t *testing.T) {
	hs := newHarness(t, shieldlink.OptWireVariant(chunk.Unheadered))
	hs.start()
	c := hs.ready("AA:BB")
	before := len(c.waitFrames(t, 4))

	hs.s.SendText("0123456789012345678901234")

	got := c.waitFrames(t, before+2)[before:]
	want := []string{"01234567890123456789", "01234"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %q, want %q", got, want)
	}
}

func TestLinkLossAndReconnectReusesConn(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	c.dropLink()
	hs.rec.waitFor(t, shieldlink.EventLinkDown, nil)
	hs.rec.waitState(t, shieldlink.StateDisconnected)

	if st := hs.s.Status(); st.Handles.IsSet() {
		t.Fatal("handles kept after link loss")
	}

	c2 := hs.ready("AA:BB")
	if c2 != c {
		t.Fatal("new connection object for the same peer")
	}
	if hs.tr.dials() != 1 {
		t.Fatalf("dialed %d times", hs.tr.dials())
	}
	if n, _, _ := c.counts(); n != 2 {
		t.Fatalf("connect called %d times", n)
	}

	// a different peer gets a fresh object and the old one is closed
	c.dropLink()
	hs.rec.waitState(t, shieldlink.StateDisconnected)
	c3 := hs.ready("CC:DD")
	if c3 == c || hs.tr.dials() != 2 {
		t.Fatal("connection object reused for a different peer")
	}
	eventually(t, "old connection closed", func() bool {
		_, _, closed := c.counts()
		return closed
	})
}

func TestSwitchPeerWhileReady(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	hs.s.Connect("CC:DD")
	hs.rec.waitState(t, shieldlink.StateDisconnected)
	hs.rec.waitState(t, shieldlink.StateConnecting)

	eventually(t, "old link torn down", func() bool {
		_, d, closed := c.counts()
		return d > 0 && closed
	})
	if st := hs.s.Status(); st.Peer != "CC:DD" {
		t.Fatalf("peer = %q", st.Peer)
	}
}

func TestConnectSamePeerWhileActiveIgnored(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.ready("AA:BB")
	gen := hs.s.Status().Generation
	hs.s.Connect("aa:bb")
	hs.barrier()

	st := hs.s.Status()
	if st.State != shieldlink.StateReady || st.Generation != gen {
		t.Fatalf("connect to the same peer disturbed the link: %+v", st)
	}
}

func TestForget(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	hs.s.Forget()
	hs.rec.waitState(t, shieldlink.StateIdle)
	hs.barrier()

	st := hs.s.Status()
	if st.Peer != "" || st.Handles.IsSet() {
		t.Fatalf("forget left %+v", st)
	}
	if p, _ := hs.store.Load(); p != "" || hs.store.cleared != 1 {
		t.Fatalf("store not cleared: %q", p)
	}
	eventually(t, "disconnect after forget", func() bool {
		_, d, _ := c.counts()
		return d > 0
	})
}

func TestReconnectFromStore(t *testing.T) {
	hs := newHarness(t)
	hs.store.peer = "AA:BB"
	hs.start()

	hs.s.Reconnect()
	hs.rec.waitState(t, shieldlink.StateConnecting)
	if st := hs.s.Status(); st.Peer != "AA:BB" {
		t.Fatalf("peer = %q", st.Peer)
	}
}

func TestReconnectWithoutStoredPeer(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.Reconnect()
	hs.barrier()
	if st := hs.s.Status(); st.State != shieldlink.StateIdle {
		t.Fatalf("state = %s", st.State)
	}
}

func TestConnectFailure(t *testing.T) {
	var handled error
	hs := newHarness(t, shieldlink.OptErrorHandler(func(err error) { handled = err }))
	hs.start()

	hs.s.Connect("AA:BB")
	hs.rec.waitState(t, shieldlink.StateConnecting)
	hs.tr.last().connectCh <- errBoom
	hs.rec.waitState(t, shieldlink.StateDisconnected)
	hs.rec.waitFor(t, shieldlink.EventError, nil)
	hs.barrier()

	if errors.Cause(handled) != errBoom {
		t.Fatalf("error handler got %v", handled)
	}
}

func TestDiscoveryWithoutShieldService(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.Connect("AA:BB")
	hs.rec.waitState(t, shieldlink.StateConnecting)
	c := hs.tr.last()
	c.connectCh <- nil
	hs.rec.waitState(t, shieldlink.StateServicesDiscovering)
	c.discoverCh <- discoverResult{p: &shieldlink.Profile{}}
	hs.rec.waitState(t, shieldlink.StateDisconnected)

	e := hs.rec.waitFor(t, shieldlink.EventError, nil)
	if e.Data.(shieldlink.ErrorInfo).Reason == "" {
		t.Fatal("empty reason")
	}
}

func TestWriteFailureDropsLink(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	c.mu.Lock()
	c.writeErr = errBoom
	c.mu.Unlock()

	hs.s.SendText("hello")
	hs.rec.waitState(t, shieldlink.StateDisconnected)
	hs.rec.waitFor(t, shieldlink.EventError, nil)
	hs.barrier()

	if st := hs.s.Status(); st.Handles.IsSet() {
		t.Fatal("handles kept after write failure")
	}
}

func TestDisconnectNotBlockedBySlowWrite(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	before := len(c.waitFrames(t, 4))

	gate := make(chan struct{})
	c.mu.Lock()
	c.writeGate = gate
	c.mu.Unlock()

	// six headered frames, the first one stuck in the peer
	hs.s.SendText(strings.Repeat("z", 100))
	hs.s.Disconnect()
	hs.rec.waitState(t, shieldlink.StateDisconnected)
	hs.rec.waitFor(t, shieldlink.EventLinkDown, nil)
	eventually(t, "transport disconnect", func() bool {
		_, d, _ := c.counts()
		return d > 0
	})

	close(gate)
	hs.barrier()
	time.Sleep(20 * time.Millisecond)
	if n := len(c.writtenFrames()) - before; n > 1 {
		t.Fatalf("%d frames written after disconnect", n)
	}
	if hs.rec.count(shieldlink.EventError) != 0 {
		t.Fatal("disconnect reported an error")
	}
}

func TestPayloadLargerThanWriteQueueDropped(t *testing.T) {
	hs := newHarness(t, shieldlink.OptWireVariant(chunk.Unheadered), shieldlink.OptFrameSize(1))
	hs.start()

	c := hs.ready("AA:BB")
	// vfe, x, aArtist\n, tTrack\n one byte at a time
	before := len(c.waitFrames(t, 19))

	hs.s.SendText(strings.Repeat("z", writeQueueSize+1))
	hs.s.SendText("ok")

	got := c.waitFrames(t, before+2)[before:]
	if !reflect.DeepEqual(got, []string{"o", "k"}) {
		t.Fatalf("frames = %q", got)
	}
	if st := hs.s.Status(); st.State != shieldlink.StateReady {
		t.Fatalf("state = %s", st.State)
	}
}

func TestDelayedPush(t *testing.T) {
	hs := newHarness(t, shieldlink.OptPushDelay(10*time.Millisecond))
	hs.start()

	hs.ready("AA:BB")
	deadline := time.Now().Add(waitTimeout)
	for hs.h.pushCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("state never pushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDelayedPushCancelledOnDisconnect(t *testing.T) {
	hs := newHarness(t, shieldlink.OptPushDelay(200*time.Millisecond))
	hs.start()

	hs.ready("AA:BB")
	hs.s.Disconnect()
	hs.rec.waitState(t, shieldlink.StateDisconnected)

	time.Sleep(300 * time.Millisecond)
	hs.barrier()
	if n := hs.h.pushCount(); n != 0 {
		t.Fatalf("pushed %d times after leaving ready", n)
	}
}

func TestNotifyReachesHandler(t *testing.T) {
	hs := newHarness(t, shieldlink.OptWireVariant(chunk.Unheadered))
	hs.start()

	c := hs.ready("AA:BB")
	before := len(c.waitFrames(t, 4))
	c.notifyRX([]byte("xq"))

	e := hs.rec.waitFor(t, shieldlink.EventTextReceived, nil)
	if got := string(e.Data.(shieldlink.TextReceived).Data); got != "q" {
		t.Fatalf("text received %q", got)
	}
	if got := c.waitFrames(t, before+1)[before:]; !reflect.DeepEqual(got, []string{"ack"}) {
		t.Fatalf("reply frames %q", got)
	}
}

func TestReadRSSI(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	hs.s.ReadRSSI()
	hs.barrier()
	if hs.rec.count(shieldlink.EventSignalStrength) != 0 {
		t.Fatal("rssi read while idle")
	}

	hs.ready("AA:BB")
	hs.s.ReadRSSI()
	e := hs.rec.waitFor(t, shieldlink.EventSignalStrength, nil)
	if e.Data.(shieldlink.SignalStrength).RSSI != -60 {
		t.Fatalf("rssi %+v", e.Data)
	}
}

func TestReadRXIsHandled(t *testing.T) {
	hs := newHarness(t)
	hs.start()

	c := hs.ready("AA:BB")
	c.mu.Lock()
	c.readValue = []byte("hi")
	c.mu.Unlock()

	hs.s.Read(shieldlink.ShieldRXUUID)
	e := hs.rec.waitFor(t, shieldlink.EventCharacteristicRead, nil)
	if got := string(e.Data.(shieldlink.CharacteristicRead).Data); got != "hi" {
		t.Fatalf("read %q", got)
	}
	hs.rec.waitFor(t, shieldlink.EventTextReceived, nil)
}

func TestUnsupportedAdapter(t *testing.T) {
	hs := newHarness(t)
	hs.tr.adapterErr = errors.New("no adapter")
	hs.start()

	select {
	case err := <-hs.runErr:
		if errors.Cause(err) != shieldlink.ErrUnsupported {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("run did not fail")
	}
	if hs.rec.count(shieldlink.EventUnsupported) != 1 {
		t.Fatal("no unsupported event")
	}

	// requests after the session stopped must not block
	hs.s.Connect("AA:BB")
}

func TestInvalidOptions(t *testing.T) {
	tr := &fakeTransport{}
	if _, err := New(tr, &fakeHandler{}, shieldlink.OptFrameSize(0)); err == nil {
		t.Fatal("frame size 0 accepted")
	}
	if _, err := New(tr, &fakeHandler{}, shieldlink.OptPushDelay(-time.Second)); err == nil {
		t.Fatal("negative push delay accepted")
	}
}
