// Package protocol is the ASCII wire protocol spoken with the shield firmware.
package protocol

import (
	"github.com/rigado/shieldlink"
)

// Outbound opcodes.
var ops = struct {
	volume     byte
	playing    byte
	paused     byte
	online     byte
	offline    byte
	artist     byte
	track      byte
	terminator byte
}{
	volume:     'v',
	playing:    'X',
	paused:     'x',
	online:     'O',
	offline:    'o',
	artist:     'a',
	track:      't',
	terminator: '\n',
}

// HexDigit maps 0-15 to a lowercase hex digit. Anything else maps to '*'.
func HexDigit(n int) byte {
	switch {
	case n >= 0 && n <= 9:
		return byte('0' + n)
	case n >= 10 && n <= 15:
		return byte('a' + n - 10)
	}
	return '*'
}

// WireVolume is the byte the shield expects for an internal volume: v*2, capped at 255.
func WireVolume(v int) int {
	w := v * 2
	if w > 255 {
		w = 255
	}
	if w < 0 {
		w = 0
	}
	return w
}

// EncodeVolume encodes v as "v" followed by two hex digits of WireVolume(v).
func EncodeVolume(v int) []byte {
	w := WireVolume(v)
	return []byte{ops.volume, HexDigit((w >> 4) & 0xf), HexDigit(w & 0xf)}
}

func EncodePlaying(playing bool) []byte {
	if playing {
		return []byte{ops.playing}
	}
	return []byte{ops.paused}
}

func EncodeOnline(online bool) []byte {
	if online {
		return []byte{ops.online}
	}
	return []byte{ops.offline}
}

// EncodeArtist truncates artist and encodes it as a newline terminated record.
func EncodeArtist(artist string) []byte {
	return textRecord(ops.artist, artist)
}

// EncodeTrack truncates track and encodes it as a newline terminated record.
func EncodeTrack(track string) []byte {
	return textRecord(ops.track, track)
}

func textRecord(op byte, s string) []byte {
	s = Truncate(s, shieldlink.MaxTextLen)
	b := make([]byte, 0, len(s)+2)
	b = append(b, op)
	b = append(b, s...)
	return append(b, ops.terminator)
}

// EncodeState returns the payloads of a full state push, in the order the
// shield expects them: volume, playing, artist, track.
func EncodeState(s shieldlink.HostState) [][]byte {
	return [][]byte{
		EncodeVolume(s.Volume),
		EncodePlaying(s.Playing),
		EncodeArtist(s.Artist),
		EncodeTrack(s.Track),
	}
}
