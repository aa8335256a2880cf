package main

// TrackerConfig bounds how long an interaction is polled.
type TrackerConfig struct {
	StallThreshold int `mapstructure:"stall_threshold"` // stable ticks on the initial snapshot before re-confirming
	StableCeiling  int `mapstructure:"stable_ceiling"`  // stable ticks that end an interaction without a prompt
	TickCeiling    int `mapstructure:"tick_ceiling"`    // absolute number of ticks
	PromptWindow   int `mapstructure:"prompt_window"`   // trailing lines searched for the ready glyph
}

// DefaultTrackerConfig matches a two second poll interval: about three
// minutes total and thirty seconds of silence.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		StallThreshold: 5,
		StableCeiling:  15,
		TickCeiling:    90,
		PromptWindow:   5,
	}
}

// Phase is the tracker's position in an interaction.
type Phase int

const (
	PhaseAwaitingFirstChange Phase = iota
	PhasePolling
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePolling:
		return "polling"
	case PhaseDone:
		return "done"
	default:
		return "awaiting_first_change"
	}
}

// StopReason explains why an interaction ended.
type StopReason int

const (
	StopNone StopReason = iota
	StopReady
	StopStable
	StopTimeout
	StopCancelled
)

func (s StopReason) String() string {
	switch s {
	case StopReady:
		return "ready"
	case StopStable:
		return "stable"
	case StopTimeout:
		return "timeout"
	case StopCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Decision is the tracker's verdict for one tick.
type Decision struct {
	Tick      int
	Skipped   bool // capture returned nothing
	Changed   bool // snapshot differs from the previous one
	Reconfirm bool // submission looks unacknowledged, send confirm again
	Done      bool
	Reason    StopReason
}

// Tracker decides when an interaction is finished. It is fed one snapshot
// per tick and holds no reference to the terminal.
type Tracker struct {
	cfg     TrackerConfig
	phase   Phase
	tick    int
	stable  int
	last    string
	initial string
	primed  bool
}

// NewTracker returns a tracker in PhaseAwaitingFirstChange.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Prime records the snapshot captured right after submission. An empty
// capture leaves stall detection disabled.
func (t *Tracker) Prime(initial string) {
	if initial == "" {
		return
	}
	t.initial = initial
	t.last = initial
	t.primed = true
}

func (t *Tracker) Phase() Phase { return t.phase }

func (t *Tracker) StableCount() int { return t.stable }

func (t *Tracker) Ticks() int { return t.tick }

// Observe consumes the snapshot of one tick. hasPrompt reports whether the
// ready glyph is visible in it.
func (t *Tracker) Observe(snapshot string, hasPrompt bool) Decision {
	if t.phase == PhaseDone {
		return Decision{Tick: t.tick, Done: true}
	}
	t.tick++
	d := Decision{Tick: t.tick}

	if snapshot == "" {
		d.Skipped = true
		return t.ceiling(d)
	}

	if snapshot == t.last {
		t.stable++
	} else {
		t.stable = 0
		t.last = snapshot
		d.Changed = true
	}

	if t.phase == PhaseAwaitingFirstChange && (!t.primed || snapshot != t.initial) {
		t.phase = PhasePolling
	}

	if t.primed && t.stable > t.cfg.StallThreshold && snapshot == t.initial {
		d.Reconfirm = true
		t.stable = 0
		return t.ceiling(d)
	}

	switch {
	case t.phase == PhasePolling && hasPrompt && t.stable >= 1:
		return t.finish(d, StopReady)
	case t.stable >= t.cfg.StableCeiling:
		return t.finish(d, StopStable)
	}
	return t.ceiling(d)
}

// Cancel ends the interaction from outside.
func (t *Tracker) Cancel() Decision {
	return t.finish(Decision{Tick: t.tick}, StopCancelled)
}

func (t *Tracker) ceiling(d Decision) Decision {
	if t.tick >= t.cfg.TickCeiling {
		return t.finish(d, StopTimeout)
	}
	return d
}

func (t *Tracker) finish(d Decision, reason StopReason) Decision {
	t.phase = PhaseDone
	d.Done = true
	d.Reason = reason
	return d
}
