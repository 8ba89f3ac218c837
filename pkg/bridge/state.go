package bridge

// State is the lifecycle position of a session.
type State int

const (
	StateInit State = iota
	StateAuthenticating
	StateAccepted
	StateUpstreamConnecting
	StateSessionConfigured
	StateActive
	StateDraining
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateInit:               "init",
	StateAuthenticating:     "authenticating",
	StateAccepted:           "accepted",
	StateUpstreamConnecting: "upstream_connecting",
	StateSessionConfigured:  "session_configured",
	StateActive:             "active",
	StateDraining:           "draining",
	StateClosing:            "closing",
	StateClosed:             "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Activity refines StateActive for a phone call.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityAssistantSpeaking
	ActivityCallerSpeaking
)

func (a Activity) String() string {
	switch a {
	case ActivityAssistantSpeaking:
		return "assistant_speaking"
	case ActivityCallerSpeaking:
		return "caller_speaking"
	default:
		return "idle"
	}
}

// validTransitions lists the forward moves of the telephony lifecycle.
// Closing is reachable from anywhere.
var validTransitions = map[State][]State{
	StateAccepted:           {StateUpstreamConnecting},
	StateUpstreamConnecting: {StateSessionConfigured},
	StateSessionConfigured:  {StateActive, StateDraining},
	StateActive:             {StateDraining},
	StateDraining:           {},
}

func transitionValid(from, to State) bool {
	if to == StateClosing || to == StateClosed {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
