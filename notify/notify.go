// Package notify watches desktop notifications on the session bus and turns
// them into shieldlink.Notifications.
package notify

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/protocol"
)

const (
	notifyIface = "org.freedesktop.Notifications"
	notifyPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	queueSize   = 16
)

// Source monitors org.freedesktop.Notifications.Notify calls.
type Source struct {
	log shieldlink.Logger
}

var _ shieldlink.NotificationSource = (*Source)(nil)

func New() *Source {
	return &Source{log: shieldlink.PkgLogger("notify")}
}

// Notifications opens a private session bus connection, turns it into a
// monitor and delivers every Notify call until ctx is done.
func (s *Source) Notifications(ctx context.Context) (<-chan shieldlink.Notification, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to session bus")
	}

	rule := "type='method_call',interface='" + notifyIface + "',member='Notify',path='" + string(notifyPath) + "'"
	call := conn.BusObject().Call("org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, []string{rule}, uint32(0))
	if call.Err != nil {
		conn.Close()
		return nil, errors.Wrap(call.Err, "become monitor")
	}

	msgs := make(chan *dbus.Message, queueSize)
	conn.Eavesdrop(msgs)

	out := make(chan shieldlink.Notification, queueSize)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				n, ok := fromMessage(m)
				if !ok {
					continue
				}
				s.log.Debugf("notification from %q: %q", n.Package, n.Ticker)
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func fromMessage(m *dbus.Message) (shieldlink.Notification, bool) {
	if m == nil || m.Type != dbus.TypeMethodCall || len(m.Body) < 5 {
		return shieldlink.Notification{}, false
	}
	if member, _ := m.Headers[dbus.FieldMember].Value().(string); member != "Notify" {
		return shieldlink.Notification{}, false
	}
	if iface, _ := m.Headers[dbus.FieldInterface].Value().(string); iface != notifyIface {
		return shieldlink.Notification{}, false
	}

	app, _ := m.Body[0].(string)
	summary, _ := m.Body[3].(string)
	body, _ := m.Body[4].(string)
	return shieldlink.Notification{Package: app, Ticker: ticker(summary, body)}, true
}

func ticker(summary, body string) string {
	summary = strings.TrimSpace(summary)
	body = strings.TrimSpace(body)
	if body == "" {
		return summary
	}
	return summary + protocol.TickerDelimiter + body
}
