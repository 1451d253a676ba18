package bluez

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

const (
	resolvePoll       = 200 * time.Millisecond
	disconnectTimeout = 5 * time.Second
)

type device struct {
	t    *Transport
	conn *dbus.Conn
	peer shieldlink.PeerID
	path dbus.ObjectPath
	log  shieldlink.Logger

	mu       sync.Mutex
	lost     chan struct{}
	notified map[dbus.ObjectPath]struct{}
	closed   bool
}

func newDevice(t *Transport, conn *dbus.Conn, peer shieldlink.PeerID) *device {
	d := &device{
		t:        t,
		conn:     conn,
		peer:     peer,
		path:     devicePath(t.adapter, peer),
		log:      t.log.ChildLogger(map[string]interface{}{"peer": peer.String()}),
		lost:     make(chan struct{}),
		notified: map[dbus.ObjectPath]struct{}{},
	}
	close(d.lost)
	t.watch(d.path, d.deviceChanged)
	return d
}

func (d *device) obj(path dbus.ObjectPath) dbus.BusObject {
	return d.conn.Object(busName, path)
}

func (d *device) Peer() shieldlink.PeerID { return d.peer }

func (d *device) deviceChanged(iface string, changed map[string]dbus.Variant) {
	if iface != deviceIface {
		return
	}
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	if connected, _ := v.Value().(bool); !connected {
		d.log.Debug("device reports disconnected")
		d.markLost()
	}
}

func (d *device) markLost() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.lost:
	default:
		close(d.lost)
	}
}

func (d *device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return shieldlink.ErrClosed
	}
	d.lost = make(chan struct{})
	d.mu.Unlock()

	if call := d.obj(d.path).CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		d.markLost()
		return errors.Wrapf(call.Err, "connect %s", d.peer)
	}

	connected, err := d.boolProp(deviceIface + ".Connected")
	if err != nil || !connected {
		d.markLost()
		return errors.Errorf("device %s did not confirm connection", d.peer)
	}
	return nil
}

// DiscoverServices waits for BlueZ to resolve the GATT database and reads it.
func (d *device) DiscoverServices(ctx context.Context) (*shieldlink.Profile, error) {
	ticker := time.NewTicker(resolvePoll)
	defer ticker.Stop()
	for {
		if resolved, err := d.boolProp(deviceIface + ".ServicesResolved"); err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for services")
		case <-ticker.C:
		}
	}

	var objects managedObjects
	call := d.obj("/").CallWithContext(ctx, objMgrIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, errors.Wrap(call.Err, "get managed objects")
	}
	if err := call.Store(&objects); err != nil {
		return nil, errors.Wrap(err, "parse managed objects")
	}

	p := buildProfile(d.path, objects)
	d.log.Debugf("discovered %d services", len(p.Services))
	return p, nil
}

// Disconnect waits for BlueZ so a following Connect starts from a clean
// device, but no longer than disconnectTimeout.
func (d *device) Disconnect() error {
	d.stopNotifications()
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	call := d.obj(d.path).CallWithContext(ctx, deviceIface+".Disconnect", 0)
	d.markLost()
	return errors.Wrapf(call.Err, "disconnect %s", d.peer)
}

func (d *device) Write(c *shieldlink.Characteristic, b []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	call := d.obj(dbus.ObjectPath(c.Handle)).Call(charIface+".WriteValue", 0, b, opts)
	return errors.Wrapf(call.Err, "write %s", c.UUID)
}

func (d *device) SetNotify(c *shieldlink.Characteristic, enable bool, h shieldlink.NotifyHandler) error {
	path := dbus.ObjectPath(c.Handle)
	if !enable {
		d.t.unwatch(path)
		d.mu.Lock()
		delete(d.notified, path)
		d.mu.Unlock()
		return errors.Wrapf(d.obj(path).Call(charIface+".StopNotify", 0).Err, "stop notify %s", c.UUID)
	}

	d.t.watch(path, func(iface string, changed map[string]dbus.Variant) {
		if iface != charIface {
			return
		}
		if v, ok := changed["Value"]; ok {
			if b, ok := v.Value().([]byte); ok {
				h(b)
			}
		}
	})
	if call := d.obj(path).Call(charIface+".StartNotify", 0); call.Err != nil {
		d.t.unwatch(path)
		return errors.Wrapf(call.Err, "start notify %s", c.UUID)
	}
	d.mu.Lock()
	d.notified[path] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *device) stopNotifications() {
	d.mu.Lock()
	paths := make([]dbus.ObjectPath, 0, len(d.notified))
	for p := range d.notified {
		paths = append(paths, p)
	}
	d.notified = map[dbus.ObjectPath]struct{}{}
	d.mu.Unlock()

	// the device disconnect that follows drops them anyway, no reply needed
	for _, p := range paths {
		d.t.unwatch(p)
		if call := d.obj(p).Go(charIface+".StopNotify", dbus.FlagNoReplyExpected, nil); call.Err != nil {
			d.log.Debugf("stop notify %s: %v", p, call.Err)
		}
	}
}

func (d *device) Read(ctx context.Context, c *shieldlink.Characteristic) ([]byte, error) {
	call := d.obj(dbus.ObjectPath(c.Handle)).CallWithContext(ctx, charIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, errors.Wrapf(call.Err, "read %s", c.UUID)
	}
	var b []byte
	if err := call.Store(&b); err != nil {
		return nil, errors.Wrapf(err, "decode %s", c.UUID)
	}
	return b, nil
}

func (d *device) ReadRSSI(ctx context.Context) (int, error) {
	v, err := d.obj(d.path).GetProperty(deviceIface + ".RSSI")
	if err != nil {
		return 0, errors.Wrap(err, "rssi")
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, errors.Errorf("rssi has unexpected type %T", v.Value())
	}
	return int(rssi), nil
}

func (d *device) Disconnected() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *device) Close() error {
	d.stopNotifications()
	d.t.unwatch(d.path)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.markLost()
	return nil
}

func (d *device) boolProp(name string) (bool, error) {
	v, err := d.obj(d.path).GetProperty(name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, errors.Errorf("property %s has unexpected type %T", name, v.Value())
	}
	return b, nil
}
