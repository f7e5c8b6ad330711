package session

// State is a stage of the collector lifecycle. States only move forward.
type State int

const (
	Starting State = iota
	Authenticating
	Connecting
	Subscribed
	Streaming
	Draining
	Stopped
)

var stateNames = [...]string{
	Starting:       "STARTING",
	Authenticating: "AUTHENTICATING",
	Connecting:     "CONNECTING",
	Subscribed:     "SUBSCRIBED",
	Streaming:      "STREAMING",
	Draining:       "DRAINING",
	Stopped:        "STOPPED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// StateNames lists every state label, in lifecycle order.
func StateNames() []string {
	return stateNames[:]
}
