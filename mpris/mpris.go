// Package mpris controls a desktop media player over the MPRIS D-Bus
// interface. It implements shieldlink.MediaController.
package mpris

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

const (
	namePrefix  = "org.mpris.MediaPlayer2."
	objectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface = "org.mpris.MediaPlayer2.Player"
	propsIface  = "org.freedesktop.DBus.Properties"

	// NativeMax is the integer range MPRIS volume (0.0 - 1.0) is mapped to.
	NativeMax = 100
)

// ErrNoPlayer is returned when no matching player is on the session bus.
var ErrNoPlayer = errors.New("no mpris player found")

// callTimeout bounds the calls that need a reply.
const callTimeout = time.Second

// Track is the media item a player reports in its Metadata property.
type Track struct {
	Artist string
	Title  string
}

// Player is one MPRIS player. The bus name is resolved on first use and
// dropped when its owner leaves the bus, so a player started after the
// daemon is still picked up. Commands are sent without waiting for a reply.
type Player struct {
	conn *dbus.Conn
	want string
	log  shieldlink.Logger

	mu   sync.Mutex
	name string
}

var _ shieldlink.MediaController = (*Player)(nil)

// New connects to the session bus. player is the name after
// "org.mpris.MediaPlayer2." (e.g. "spotify"); empty picks the first player.
func New(player string) (*Player, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to session bus")
	}
	return &Player{
		conn: conn,
		want: player,
		log:  shieldlink.PkgLogger("mpris"),
	}, nil
}

func (p *Player) busName() (string, error) {
	p.mu.Lock()
	name := p.name
	p.mu.Unlock()
	if name != "" {
		return name, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	var names []string
	if err := p.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return "", errors.Wrap(err, "list bus names")
	}
	name = pickPlayer(names, p.want)
	if name == "" {
		return "", errors.Wrapf(ErrNoPlayer, "want %q", p.want)
	}

	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	p.log.Infof("using %s", name)
	return name, nil
}

// nameChanged forgets the resolved player when its bus name loses its owner.
func (p *Player) nameChanged(name, newOwner string) {
	if newOwner != "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == name {
		p.log.Infof("%s left the bus", name)
		p.name = ""
	}
}

func pickPlayer(names []string, want string) string {
	var first string
	for _, n := range names {
		if !strings.HasPrefix(n, namePrefix) {
			continue
		}
		if want == "" {
			if first == "" || n < first {
				first = n
			}
			continue
		}
		// players may append an instance suffix, "vlc.instance1234"
		rest := strings.TrimPrefix(n, namePrefix)
		if rest == want || strings.HasPrefix(rest, want+".") {
			return n
		}
	}
	return first
}

func (p *Player) obj() (dbus.BusObject, error) {
	name, err := p.busName()
	if err != nil {
		return nil, err
	}
	return p.conn.Object(name, objectPath), nil
}

func (p *Player) property(name string) (dbus.Variant, error) {
	o, err := p.obj()
	if err != nil {
		return dbus.Variant{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	var v dbus.Variant
	if err := o.CallWithContext(ctx, propsIface+".Get", 0, playerIface, name).Store(&v); err != nil {
		return dbus.Variant{}, errors.Wrapf(err, "get %s", name)
	}
	return v, nil
}

// send calls method without waiting for the reply.
func (p *Player) send(method string, args ...interface{}) error {
	o, err := p.obj()
	if err != nil {
		return err
	}
	return errors.Wrap(o.Go(method, dbus.FlagNoReplyExpected, nil, args...).Err, method)
}

// Volume returns the player volume in 0..NativeMax.
func (p *Player) Volume() (int, error) {
	v, err := p.property("Volume")
	if err != nil {
		return 0, err
	}
	f, ok := v.Value().(float64)
	if !ok {
		return 0, errors.Errorf("volume has unexpected type %T", v.Value())
	}
	return toNative(f), nil
}

func (p *Player) MaxVolume() (int, error) {
	return NativeMax, nil
}

func (p *Player) SetVolume(native int) error {
	return p.send(propsIface+".Set", playerIface, "Volume", dbus.MakeVariant(fromNative(native)))
}

func (p *Player) Transport(cmd shieldlink.MediaCommand) error {
	var method string
	switch cmd {
	case shieldlink.MediaToggle:
		method = "PlayPause"
	case shieldlink.MediaPrevious:
		method = "Previous"
	case shieldlink.MediaNext:
		method = "Next"
	default:
		return errors.Errorf("unknown media command %d", cmd)
	}
	p.log.Debugf("%s", method)
	return p.send(playerIface + "." + method)
}

// Playing reports whether the player is playing right now.
func (p *Player) Playing() (bool, error) {
	v, err := p.property("PlaybackStatus")
	if err != nil {
		return false, err
	}
	status, _ := v.Value().(string)
	return status == "Playing", nil
}

// CurrentTrack returns the artist and title of the item the player has
// loaded. ok is false when the player reports neither.
func (p *Player) CurrentTrack() (t Track, ok bool, err error) {
	v, err := p.property("Metadata")
	if err != nil {
		return Track{}, false, err
	}
	md, _ := v.Value().(map[string]dbus.Variant)
	t, ok = trackFromMetadata(md)
	return t, ok, nil
}

// Watch reports playback and track changes until ctx is done. Either
// callback may be nil.
func (p *Player) Watch(ctx context.Context, onPlayback func(playing bool), onTrack func(Track)) error {
	rules := []string{
		fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s',arg0='%s'",
			propsIface, objectPath, playerIface),
		fmt.Sprintf("type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0namespace='%s'",
			strings.TrimSuffix(namePrefix, ".")),
	}
	for _, rule := range rules {
		if call := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return errors.Wrap(call.Err, "add signal match")
		}
	}

	ch := make(chan *dbus.Signal, 16)
	p.conn.Signal(ch)
	go func() {
		defer p.conn.RemoveSignal(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if name, owner, ok := ownerChange(sig); ok {
					p.nameChanged(name, owner)
					continue
				}
				if playing, ok := playbackChange(sig); ok && onPlayback != nil {
					p.log.Debugf("playing=%v", playing)
					onPlayback(playing)
				}
				if t, ok := trackChange(sig); ok && onTrack != nil {
					p.log.Debugf("track %q by %q", t.Title, t.Artist)
					onTrack(t)
				}
			}
		}
	}()
	return nil
}

// playerChanges returns the changed Player properties carried by sig.
func playerChanges(sig *dbus.Signal) (map[string]dbus.Variant, bool) {
	if sig == nil || sig.Path != objectPath || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return nil, false
	}
	if iface, _ := sig.Body[0].(string); iface != playerIface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return changed, ok
}

func playbackChange(sig *dbus.Signal) (playing, ok bool) {
	changed, ok := playerChanges(sig)
	if !ok {
		return false, false
	}
	v, found := changed["PlaybackStatus"]
	if !found {
		return false, false
	}
	status, _ := v.Value().(string)
	return status == "Playing", true
}

func trackChange(sig *dbus.Signal) (Track, bool) {
	changed, ok := playerChanges(sig)
	if !ok {
		return Track{}, false
	}
	v, found := changed["Metadata"]
	if !found {
		return Track{}, false
	}
	md, _ := v.Value().(map[string]dbus.Variant)
	return trackFromMetadata(md)
}

// trackFromMetadata reads xesam:artist and xesam:title. Several artists are
// joined with ", ".
func trackFromMetadata(md map[string]dbus.Variant) (Track, bool) {
	var t Track
	if v, ok := md["xesam:title"]; ok {
		t.Title, _ = v.Value().(string)
	}
	if v, ok := md["xesam:artist"]; ok {
		switch a := v.Value().(type) {
		case []string:
			t.Artist = strings.Join(a, ", ")
		case string:
			t.Artist = a
		}
	}
	return t, t.Title != "" || t.Artist != ""
}

func ownerChange(sig *dbus.Signal) (name, newOwner string, ok bool) {
	if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return "", "", false
	}
	name, _ = sig.Body[0].(string)
	newOwner, _ = sig.Body[2].(string)
	if !strings.HasPrefix(name, namePrefix) {
		return "", "", false
	}
	return name, newOwner, true
}

func toNative(f float64) int {
	return int(math.Round(math.Max(0, math.Min(1, f)) * NativeMax))
}

func fromNative(n int) float64 {
	if n < 0 {
		n = 0
	}
	if n > NativeMax {
		n = NativeMax
	}
	return float64(n) / NativeMax
}
