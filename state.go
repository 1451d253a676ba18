package shieldlink

// State is the connection state of the link session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateServicesDiscovering
	StateReady
	StateDisconnected
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateConnecting:          "connecting",
	StateServicesDiscovering: "discovering",
	StateReady:               "ready",
	StateDisconnected:        "disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Limits of HostState fields.
const (
	MaxVolume  = 127
	MaxTextLen = 24
)

// HostState is what the host reports to the shield.
type HostState struct {
	Volume  int    `json:"volume"`
	Playing bool   `json:"playing"`
	Online  bool   `json:"online"`
	Artist  string `json:"artist"`
	Track   string `json:"track"`
}

// DefaultHostState is the state a session starts with.
func DefaultHostState() HostState {
	return HostState{
		Volume:  MaxVolume,
		Playing: false,
		Online:  true,
		Artist:  "Artist",
		Track:   "Track",
	}
}
