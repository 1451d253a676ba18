package bluez

import (
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rigado/shieldlink"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// buildProfile collects the GATT services and characteristics BlueZ exports
// under dev. Handles are the object paths.
func buildProfile(dev dbus.ObjectPath, objects managedObjects) *shieldlink.Profile {
	prefix := string(dev) + "/"
	services := map[dbus.ObjectPath]*shieldlink.Service{}

	for path, ifaces := range objects {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		u, ok := uuidProp(props)
		if !ok {
			continue
		}
		services[path] = &shieldlink.Service{UUID: u, Handle: string(path)}
	}

	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		u, ok := uuidProp(props)
		if !ok {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc := services[svcPath]
		if svc == nil {
			continue
		}
		svc.Characteristics = append(svc.Characteristics, &shieldlink.Characteristic{UUID: u, Handle: string(path)})
	}

	p := &shieldlink.Profile{}
	for _, s := range services {
		sort.Slice(s.Characteristics, func(i, j int) bool {
			return s.Characteristics[i].Handle < s.Characteristics[j].Handle
		})
		p.Services = append(p.Services, s)
	}
	sort.Slice(p.Services, func(i, j int) bool { return p.Services[i].Handle < p.Services[j].Handle })
	return p
}

func uuidProp(props map[string]dbus.Variant) (uuid.UUID, bool) {
	v, ok := props["UUID"]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := v.Value().(string)
	if !ok {
		return uuid.Nil, false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return u, true
}
