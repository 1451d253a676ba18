package protocol

import (
	"strconv"

	"github.com/pkg/errors"
)

// Command is one inbound command byte.
type Command byte

const (
	CmdToggleOnline Command = 'o'
	CmdTogglePlay   Command = 'x'
	CmdPrevious     Command = 'P'
	CmdNext         Command = 'N'
	CmdVolumeDown   Command = 'v'
	CmdVolumeUp     Command = 'V'
)

var cmdNames = map[Command]string{
	CmdToggleOnline: "toggle-online",
	CmdTogglePlay:   "toggle-play",
	CmdPrevious:     "previous",
	CmdNext:         "next",
	CmdVolumeDown:   "volume-down",
	CmdVolumeUp:     "volume-up",
}

func (c Command) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return "unknown(" + strconv.QuoteRune(rune(c)) + ")"
}

// Decode interprets one received byte. ok is false for bytes that are not commands.
func Decode(b byte) (Command, bool) {
	c := Command(b)
	_, ok := cmdNames[c]
	return c, ok
}

// Parse splits a received notification into commands and the bytes that
// were not commands, preserving order in both.
func Parse(b []byte) (cmds []Command, rest []byte) {
	for _, x := range b {
		if c, ok := Decode(x); ok {
			cmds = append(cmds, c)
		} else {
			rest = append(rest, x)
		}
	}
	return cmds, rest
}

// DecodeVolume parses a volume record back to its wire value (0-255).
// It is the inverse of EncodeVolume up to the doubling.
func DecodeVolume(b []byte) (int, error) {
	if len(b) != 3 || b[0] != ops.volume {
		return 0, errors.Errorf("not a volume record: %q", b)
	}
	n, err := strconv.ParseUint(string(b[1:]), 16, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "volume record %q", b)
	}
	return int(n), nil
}
