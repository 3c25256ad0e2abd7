package login

// FlowState is a step of the login flow.
type FlowState int

const (
	StateInit FlowState = iota
	StateDiscovered
	StateRegistered
	StateAuthorizing
	StateCallbackPending
	StateTokenExchanged
	StateResolved
	StateComplete
	StateFailed
)

var stateNames = map[FlowState]string{
	StateInit:            "INIT",
	StateDiscovered:      "DISCOVERED",
	StateRegistered:      "REGISTERED",
	StateAuthorizing:     "AUTHORIZING",
	StateCallbackPending: "CALLBACK_PENDING",
	StateTokenExchanged:  "TOKEN_EXCHANGED",
	StateResolved:        "RESOLVED",
	StateComplete:        "COMPLETE",
	StateFailed:          "FAILED",
}

func (s FlowState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition leaves s.
func (s FlowState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition reports whether the flow may move from s to next. Every
// non-terminal state may fail; otherwise states advance one step at a time.
// AUTHORIZING ends the outbound phase and the callback resumes at
// CALLBACK_PENDING in a different request.
func (s FlowState) CanTransition(next FlowState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return next == s+1
}
