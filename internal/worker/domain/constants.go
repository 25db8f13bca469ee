package domain

// Phase is a position in the sync job state machine
type Phase string

// Job phases
const (
	PhaseQueued        Phase = "queued"
	PhaseRunningStage1 Phase = "running_stage_1"
	PhaseRunningStage2 Phase = "running_stage_2"
	PhaseRetrying      Phase = "retrying"
	PhaseDone          Phase = "done"
	PhaseDead          Phase = "dead"
)

// Kind selects which pipeline stages a job runs
type Kind string

// Job kinds
const (
	// KindFull runs stage 1 (schedule, roster, results) and then stage 2 (metrics)
	KindFull Kind = "full"
	// KindPartial runs stage 2 only, against the roster already in the canonical store
	KindPartial Kind = "partial"
)

// Defaults for the retry policy and lease handling
const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 15 // seconds
	DefaultBackoffCap   = 300
	DefaultLeaseTTLSecs = 120
)

// ActivePhases are the phases covered by the single-flight constraint
var ActivePhases = []Phase{PhaseQueued, PhaseRetrying, PhaseRunningStage1, PhaseRunningStage2}

// ClaimablePhases are the phases the claim protocol may pick up
var ClaimablePhases = []Phase{PhaseQueued, PhaseRetrying}

var transitions = map[Phase][]Phase{
	PhaseQueued:        {PhaseRunningStage1, PhaseRunningStage2},
	PhaseRetrying:      {PhaseRunningStage1, PhaseRunningStage2},
	PhaseRunningStage1: {PhaseRunningStage2, PhaseRetrying, PhaseDead},
	PhaseRunningStage2: {PhaseDone, PhaseRetrying, PhaseDead},
}

// CanTransition reports whether from -> to is an edge of the phase graph
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid returns true if p is a known phase
func (p Phase) IsValid() bool {
	switch p {
	case PhaseQueued, PhaseRunningStage1, PhaseRunningStage2, PhaseRetrying, PhaseDone, PhaseDead:
		return true
	default:
		return false
	}
}

// IsActive returns true while the job still occupies its resource scope
func (p Phase) IsActive() bool {
	for _, a := range ActivePhases {
		if p == a {
			return true
		}
	}
	return false
}

// IsRunning returns true for the two lease-holding phases
func (p Phase) IsRunning() bool {
	return p == PhaseRunningStage1 || p == PhaseRunningStage2
}

// IsTerminal returns true for done and dead
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseDead
}

// IsValid returns true if k is a known job kind
func (k Kind) IsValid() bool {
	return k == KindFull || k == KindPartial
}

// EntryPhase is the running phase a fresh job of this kind is claimed into
func (k Kind) EntryPhase() Phase {
	if k == KindPartial {
		return PhaseRunningStage2
	}
	return PhaseRunningStage1
}
