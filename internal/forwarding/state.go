package forwarding

import "time"

// Phase is the controller's position in the toggle lifecycle.
//
//	Idle, Inactive, Active, Error -> Dialing      (Toggle / Retry)
//	Dialing   -> Verifying                        (dial initiated)
//	Dialing   -> Error                            (dialer unavailable)
//	Verifying -> Active | Inactive                (verification, abandon, user confirmation)
//
// Idle is the start phase when forwarding is persisted as enabled but not yet
// re-verified; Inactive is the start phase otherwise.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseVerifying
	PhaseActive
	PhaseInactive
	PhaseError
)

func (p Phase) String() string {
	names := []string{"Idle", "Dialing", "Verifying", "Active", "Inactive", "Error"}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// Busy reports whether a toggle is in flight.
func (p Phase) Busy() bool {
	return p == PhaseDialing || p == PhaseVerifying
}

// Status is the engine's belief about whether forwarding is really on.
type Status int

const (
	StatusUnknown Status = iota
	StatusChecking
	StatusActive
	StatusInactive
	StatusError
)

func (s Status) String() string {
	names := []string{"Unknown", "Checking", "Active", "Inactive", "Error"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Invalid"
}

// ForwardingState is owned by the Controller. Enabled and LastChecked are
// durable; the rest is re-derived after a restart.
type ForwardingState struct {
	Enabled      bool
	Status       Status
	LastChecked  time.Time
	ErrorMessage string
	LastError    error
	IsSupported  bool
}

// DialAttempt lives from Toggle until the attempt is verified, abandoned or
// rejected. Generation increases with every attempt; callbacks carrying an
// older generation are discarded.
type DialAttempt struct {
	ID               string
	Generation       uint64
	RequestedEnabled bool
	CarrierID        string
	DialString       string
	StartedAt        time.Time
	DialStartTime    time.Time
}

// Snapshot is a copy of the controller state safe to hand to other goroutines.
// MismatchPrompted reports that the user has seen a mismatch prompt since
// forwarding was last enabled; while it is set, a cooldown may keep further
// mismatches quiet. PendingPrompts lists unanswered prompts oldest first and
// PendingPrompt is the newest of them.
type Snapshot struct {
	ForwardingState
	Phase            Phase
	CarrierID        string
	Attempt          *DialAttempt
	LastKnownGood    time.Time
	MismatchPrompted bool
	PendingPrompt    PromptKind
	PendingPrompts   []PromptKind
}
