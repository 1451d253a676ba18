package shieldlink

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies events emitted to the host layer.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventLinkUp             EventType = "link_up"
	EventLinkDown           EventType = "link_down"
	EventTextReceived       EventType = "text_received"
	EventSignalStrength     EventType = "signal_strength"
	EventCharacteristicRead EventType = "characteristic_read"
	EventError              EventType = "error"
	EventUnsupported        EventType = "unsupported"
	EventHostState          EventType = "host_state"
	EventNotification       EventType = "notification"
	EventCommand            EventType = "command"
)

// Event is the envelope delivered to EventHandlers.
type Event struct {
	Type EventType   `json:"type"`
	Time time.Time   `json:"time"`
	Peer PeerID      `json:"peer,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// EventHandler observes events. It is called from the session loop and must not block.
type EventHandler func(e Event)

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, peer PeerID, data interface{}) Event {
	return Event{Type: t, Time: time.Now().UTC(), Peer: peer, Data: data}
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// TextReceived is the payload of EventTextReceived.
type TextReceived struct {
	Data []byte `json:"data"`
}

// SignalStrength is the payload of EventSignalStrength.
type SignalStrength struct {
	RSSI int `json:"rssi"`
}

// CharacteristicRead is the payload of EventCharacteristicRead.
type CharacteristicRead struct {
	UUID uuid.UUID `json:"uuid"`
	Data []byte    `json:"data"`
}

// ErrorInfo is the payload of EventError and EventUnsupported.
type ErrorInfo struct {
	Reason string `json:"reason"`
}

// CommandInfo is the payload of EventCommand.
type CommandInfo struct {
	Command string `json:"command"`
}
