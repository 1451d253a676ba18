package shieldlink

import "context"

// MediaCommand is a playback transport command sent to the host player.
type MediaCommand int

const (
	MediaToggle MediaCommand = iota
	MediaPrevious
	MediaNext
)

func (c MediaCommand) String() string {
	switch c {
	case MediaToggle:
		return "toggle"
	case MediaPrevious:
		return "previous"
	case MediaNext:
		return "next"
	}
	return "unknown"
}

// MediaController is the host's audio and media session.
// Implementations must not block for long; calls are made from the session loop.
type MediaController interface {
	Volume() (int, error)
	MaxVolume() (int, error)
	SetVolume(native int) error
	Transport(cmd MediaCommand) error
}

// Notification is a posted system notification.
type Notification struct {
	Package string `json:"package"`
	Ticker  string `json:"ticker"`
}

// NotificationSource delivers system notifications until ctx is done.
type NotificationSource interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}
