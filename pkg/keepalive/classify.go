package keepalive

// Snapshot holds both monitored strings as read in one poll cycle.
type Snapshot struct {
	Countdown   string
	ActionLabel string
}

// Status is the classification of a snapshot.
type Status int

const (
	// Active means the session is running.
	Active Status = iota
	// Expired means the session lapsed and must be restarted.
	Expired
)

func (s Status) String() string {
	if s == Expired {
		return "expired"
	}
	return "active"
}

// Sentinels are the exact strings that mark an expired session. An empty
// sentinel never matches.
type Sentinels struct {
	// Countdown is the all-zero rendering of the remaining time
	Countdown string
	// Action is the button label shown when no session is running
	Action string
}

// Classify reports Expired iff the countdown equals the countdown sentinel
// or the action label equals the action sentinel. Comparisons are exact and
// case-sensitive.
func (s Sentinels) Classify(snap Snapshot) Status {
	if s.Countdown != "" && snap.Countdown == s.Countdown {
		return Expired
	}
	if s.Action != "" && snap.ActionLabel == s.Action {
		return Expired
	}
	return Active
}
