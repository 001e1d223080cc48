package lime

import "github.com/lime-go/lime/envelope"

// successors lists the legal next states for each non-terminal handshake
// state, per spec.md §4.D's diagram: new can go straight to authenticating
// when the server skips negotiation, and negotiating can repeat (the
// client and server may go back and forth before settling on an option).
// StateFailed is reachable from any non-terminal state and so isn't listed
// here; it's handled separately in validTransition.
var successors = map[envelope.State]map[envelope.State]bool{
	envelope.StateNew: {
		envelope.StateNegotiating:    true,
		envelope.StateAuthenticating: true,
	},
	envelope.StateNegotiating: {
		envelope.StateNegotiating:    true,
		envelope.StateAuthenticating: true,
	},
	envelope.StateAuthenticating: {
		envelope.StateEstablished: true,
	},
	envelope.StateEstablished: {
		envelope.StateFinishing: true,
	},
	envelope.StateFinishing: {
		envelope.StateFinished: true,
	},
}

// validTransition reports whether moving from "from" to "to" is legal for
// the handshake state machine described by spec.md §4.D, with failed
// reachable from any non-terminal state.
func validTransition(from, to envelope.State) bool {
	if to == envelope.StateFailed {
		return !terminal(from)
	}
	return successors[from][to]
}

// terminal reports whether s ends the handshake, admitting no further
// transitions.
func terminal(s envelope.State) bool {
	return s == envelope.StateFinished || s == envelope.StateFailed
}
