package protocol

import (
	"strings"
	"unicode/utf8"

	"github.com/rigado/shieldlink"
)

// TickerDelimiter separates track and artist in player notifications.
const TickerDelimiter = " — "

// ParseTicker splits "Track — Artist" ticker text. ok is false when the
// delimiter is absent. Both fields are truncated for transmission.
func ParseTicker(text string) (track, artist string, ok bool) {
	parts := strings.SplitN(text, TickerDelimiter, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return Truncate(parts[0], shieldlink.MaxTextLen), Truncate(parts[1], shieldlink.MaxTextLen), true
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
