package sink

import "github.com/snehjoshi/epochsink/internal/types"

// Sink lifecycle transition rules.
//
//	CREATED ──► INITIALIZED ──► RUNNING ──► CLOSING ──► CLOSED
//	   │              │                        ▲
//	   │              └────────────────────────┘  (Close before Start drains too)
//	   └──────────────────────────────────────────────────► CLOSED

// ValidTransition reports whether from → to is a legal lifecycle change.
func ValidTransition(from, to types.State) bool {
	switch from {
	case types.StateCreated:
		return to == types.StateInitialized || to == types.StateClosed
	case types.StateInitialized:
		return to == types.StateRunning || to == types.StateClosing
	case types.StateRunning:
		return to == types.StateClosing
	case types.StateClosing:
		return to == types.StateClosed
	case types.StateClosed:
		// Terminal.
		return false
	}
	return false
}
