// Package bluez is a shieldlink transport driving the BlueZ daemon over the
// system D-Bus.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	serviceIface   = "org.bluez.GattService1"
	charIface      = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objMgrIface    = "org.freedesktop.DBus.ObjectManager"
	propsChanged   = propsIface + ".PropertiesChanged"
	defaultAdapter = "hci0"
)

// ErrNotMAC is returned by Dial for peer ids that are not MAC addresses.
var ErrNotMAC = errors.New("peer id is not a mac address")

type propsHandler func(iface string, changed map[string]dbus.Variant)

// Transport talks to one local adapter.
type Transport struct {
	adapter string
	log     shieldlink.Logger

	mu     sync.Mutex
	conn   *dbus.Conn
	sigCh  chan *dbus.Signal
	routes map[dbus.ObjectPath]propsHandler
}

// New returns a transport for adapter ("hci0" when empty). The bus is
// contacted in Adapter.
func New(adapter string) *Transport {
	if adapter == "" {
		adapter = defaultAdapter
	}
	return &Transport{
		adapter: adapter,
		log:     shieldlink.PkgLogger("bluez").ChildLogger(map[string]interface{}{"adapter": adapter}),
		routes:  map[dbus.ObjectPath]propsHandler{},
	}
}

func (t *Transport) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + t.adapter)
}

// Adapter connects to the system bus, checks that BlueZ is running and that
// the adapter is powered, and starts routing property change signals.
func (t *Transport) Adapter() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "connect to system bus")
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return errors.Wrap(err, "list bus names")
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		return errors.New("org.bluez not found on system bus, is bluetooth.service running?")
	}

	v, err := conn.Object(busName, t.adapterPath()).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return errors.Wrapf(err, "adapter %s", t.adapter)
	}
	if powered, _ := v.Value().(bool); !powered {
		return errors.Errorf("adapter %s is powered off", t.adapter)
	}

	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		busName, propsIface, t.adapterPath())
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return errors.Wrap(call.Err, "add signal match")
	}

	// the system bus connection is shared by the process and never closed here
	t.conn = conn
	t.sigCh = make(chan *dbus.Signal, 64)
	conn.Signal(t.sigCh)
	go t.loop(t.sigCh)

	t.log.Infof("adapter %s ready", t.adapter)
	return nil
}

// Dial returns a connection object for peer. Nothing is sent until Connect.
func (t *Transport) Dial(peer shieldlink.PeerID) (shieldlink.Conn, error) {
	if len(peer.Bytes()) != 6 {
		return nil, errors.Wrapf(ErrNotMAC, "%q", peer)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.Wrap(shieldlink.ErrUnsupported, "adapter not initialized")
	}
	return newDevice(t, conn, peer), nil
}

func (t *Transport) loop(ch chan *dbus.Signal) {
	for sig := range ch {
		t.route(sig)
	}
}

func (t *Transport) route(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsChanged || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	t.mu.Lock()
	h := t.routes[sig.Path]
	t.mu.Unlock()
	if h != nil {
		h(iface, changed)
	}
}

func (t *Transport) watch(path dbus.ObjectPath, h propsHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[path] = h
}

func (t *Transport) unwatch(path dbus.ObjectPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, path)
}

// devicePath converts "aa:bb:cc:dd:ee:ff" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter string, peer shieldlink.PeerID) dbus.ObjectPath {
	mac := strings.ToUpper(strings.ReplaceAll(peer.String(), ":", "_"))
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + mac)
}
