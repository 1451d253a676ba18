// Package dispatch applies shield commands to the host state and the host
// media player, and answers the shield with state frames.
package dispatch

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/link"
	"github.com/rigado/shieldlink/protocol"
)

// Table selects how playback commands from the shield are handled.
type Table int

const (
	// TableMediaSession forwards play/pause and track skips to the host player.
	TableMediaSession Table = iota
	// TableLocal keeps playback state locally and only reports skips.
	TableLocal
)

func (t Table) String() string {
	switch t {
	case TableMediaSession:
		return "media"
	case TableLocal:
		return "local"
	}
	return "unknown"
}

// ParseTable parses "media" or "local".
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "media", "mediasession":
		return TableMediaSession, nil
	case "local":
		return TableLocal, nil
	}
	return 0, errors.Errorf("unknown command table %q", s)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTable selects the command table.
func WithTable(t Table) Option {
	return func(d *Dispatcher) { d.table = t }
}

// WithEventHandler sets the observer for command and notification events.
func WithEventHandler(h shieldlink.EventHandler) Option {
	return func(d *Dispatcher) { d.onEvent = h }
}

// WithOnChange sets the observer receiving a snapshot after every state change.
func WithOnChange(fn func(shieldlink.HostState)) Option {
	return func(d *Dispatcher) { d.onChange = fn }
}

// WithPackageFilter restricts track updates to notifications posted by pkg.
// Other notifications are reported as EventNotification.
func WithPackageFilter(pkg string) Option {
	return func(d *Dispatcher) { d.filter = pkg }
}

// WithState replaces the initial host state.
func WithState(s shieldlink.HostState) Option {
	return func(d *Dispatcher) { d.state = s }
}

// Dispatcher implements link.Handler. All methods taking a link.Writer must
// be called from the session loop, either by the session itself or through
// Session.Submit.
type Dispatcher struct {
	ctl      shieldlink.MediaController
	table    Table
	filter   string
	onEvent  shieldlink.EventHandler
	onChange func(shieldlink.HostState)
	log      shieldlink.Logger

	mu    sync.RWMutex
	state shieldlink.HostState
}

var _ link.Handler = (*Dispatcher)(nil)

// New returns a dispatcher driving ctl. ctl may be nil when there is no host
// player; volume and transport commands then only change local state.
func New(ctl shieldlink.MediaController, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctl:   ctl,
		table: TableMediaSession,
		state: shieldlink.DefaultHostState(),
		log:   shieldlink.PkgLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns a snapshot of the host state.
func (d *Dispatcher) State() shieldlink.HostState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// LinkUp takes the host volume as the new baseline so the first step from
// the shield does not jump.
func (d *Dispatcher) LinkUp(w link.Writer) {
	if d.ctl == nil {
		return
	}
	native, err := d.ctl.Volume()
	if err != nil {
		d.log.Warnf("can't read host volume: %v", err)
		return
	}
	nativeMax, err := d.ctl.MaxVolume()
	if err != nil {
		d.log.Warnf("can't read host max volume: %v", err)
		return
	}
	d.update(func(s *shieldlink.HostState) {
		s.Volume = protocol.FromNative(native, nativeMax)
	})
	d.log.Debugf("volume baseline %d (native %d/%d)", d.State().Volume, native, nativeMax)
}

// PushState sends volume, playing, artist and track.
func (d *Dispatcher) PushState(w link.Writer) {
	for _, p := range protocol.EncodeState(d.State()) {
		w.Send(p)
	}
}

// Receive applies every command byte in b and returns the rest.
func (d *Dispatcher) Receive(w link.Writer, b []byte) []byte {
	cmds, rest := protocol.Parse(b)
	for _, c := range cmds {
		d.apply(w, c)
	}
	return rest
}

func (d *Dispatcher) apply(w link.Writer, c protocol.Command) {
	d.log.Debugf("command %s", c)

	switch c {
	case protocol.CmdToggleOnline:
		d.update(func(s *shieldlink.HostState) { s.Online = !s.Online })
		w.Send(protocol.EncodeOnline(d.State().Online))

	case protocol.CmdTogglePlay:
		if d.table == TableLocal {
			d.update(func(s *shieldlink.HostState) { s.Playing = !s.Playing })
			w.Send(protocol.EncodePlaying(d.State().Playing))
			return
		}
		w.Send(protocol.EncodePlaying(d.State().Playing))
		d.transport(shieldlink.MediaToggle)
		d.update(func(s *shieldlink.HostState) { s.Playing = !s.Playing })

	case protocol.CmdPrevious:
		d.skip(c, shieldlink.MediaPrevious)
	case protocol.CmdNext:
		d.skip(c, shieldlink.MediaNext)

	case protocol.CmdVolumeDown:
		d.stepVolume(w, -1)
	case protocol.CmdVolumeUp:
		d.stepVolume(w, 1)
	}
}

func (d *Dispatcher) skip(c protocol.Command, mc shieldlink.MediaCommand) {
	if d.table == TableLocal {
		d.emit(shieldlink.EventCommand, shieldlink.CommandInfo{Command: c.String()})
		return
	}
	d.transport(mc)
}

func (d *Dispatcher) transport(mc shieldlink.MediaCommand) {
	if d.ctl == nil {
		return
	}
	if err := d.ctl.Transport(mc); err != nil {
		d.log.Warnf("host %s: %v", mc, err)
	}
}

func (d *Dispatcher) stepVolume(w link.Writer, delta int) {
	d.update(func(s *shieldlink.HostState) {
		s.Volume = protocol.ClampVolume(s.Volume + delta)
	})
	v := d.State().Volume

	if d.ctl != nil {
		if nativeMax, err := d.ctl.MaxVolume(); err != nil {
			d.log.Warnf("can't read host max volume: %v", err)
		} else if err := d.ctl.SetVolume(protocol.ToNative(v, nativeMax)); err != nil {
			d.log.Warnf("can't set host volume: %v", err)
		}
	}
	w.Send(protocol.EncodeVolume(v))
}

// HandleTicker handles a notification posted by pkg. A "track — artist"
// ticker from the filtered package updates and sends artist and track.
func (d *Dispatcher) HandleTicker(w link.Writer, pkg, text string) {
	if d.filter != "" && pkg != d.filter {
		d.emit(shieldlink.EventNotification, shieldlink.Notification{Package: pkg, Ticker: text})
		return
	}

	track, artist, ok := protocol.ParseTicker(text)
	if !ok {
		d.log.Debugf("ignoring ticker %q from %q", text, pkg)
		d.emit(shieldlink.EventNotification, shieldlink.Notification{Package: pkg, Ticker: text})
		return
	}

	d.setTrack(w, artist, track)
}

// SetTrack records the artist and track reported by the host player and
// sends them. Both are truncated for the shield display.
func (d *Dispatcher) SetTrack(w link.Writer, artist, track string) {
	d.setTrack(w,
		protocol.Truncate(artist, shieldlink.MaxTextLen),
		protocol.Truncate(track, shieldlink.MaxTextLen))
}

func (d *Dispatcher) setTrack(w link.Writer, artist, track string) {
	d.update(func(s *shieldlink.HostState) {
		s.Track = track
		s.Artist = artist
	})
	d.log.Infof("now playing %q by %q", track, artist)
	w.Send(protocol.EncodeArtist(artist))
	w.Send(protocol.EncodeTrack(track))
}

// SetPlaying records the host playback state and sends it.
func (d *Dispatcher) SetPlaying(w link.Writer, playing bool) {
	d.update(func(s *shieldlink.HostState) { s.Playing = playing })
	w.Send(protocol.EncodePlaying(playing))
}

func (d *Dispatcher) update(fn func(*shieldlink.HostState)) {
	d.mu.Lock()
	prev := d.state
	fn(&d.state)
	next := d.state
	d.mu.Unlock()

	if prev == next {
		return
	}
	d.emit(shieldlink.EventHostState, next)
	if d.onChange != nil {
		d.onChange(next)
	}
}

func (d *Dispatcher) emit(t shieldlink.EventType, data interface{}) {
	if d.onEvent != nil {
		d.onEvent(shieldlink.NewEvent(t, "", data))
	}
}
