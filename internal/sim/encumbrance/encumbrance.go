package encumbrance

import (
	"math"
	"strings"
)

type Level int

const (
	Normal Level = iota
	Heavy
	Overencumbered
	Critical
)

// Effect is one status effect a level imposes.
type Effect struct {
	Kind          string `json:"kind"`
	DurationTicks int    `json:"duration_ticks"`
	Amplifier     int    `json:"amplifier"`
}

type levelDef struct {
	Level     Level
	Name      string
	Threshold float64
	Effects   []Effect
}

// Effect kinds.
const (
	Slowness      = "slowness"
	MiningFatigue = "mining_fatigue"
	Weakness      = "weakness"
)

// table is ordered by ascending threshold.
var table = []levelDef{
	{Level: Normal, Name: "NORMAL", Threshold: 0},
	{Level: Heavy, Name: "HEAVY", Threshold: 0.90, Effects: []Effect{
		{Slowness, 200, 1},
	}},
	{Level: Overencumbered, Name: "OVERENCUMBERED", Threshold: 1.10, Effects: []Effect{
		{Slowness, 200, 1},
		{MiningFatigue, 200, 0},
	}},
	{Level: Critical, Name: "CRITICAL", Threshold: 1.50, Effects: []Effect{
		{Slowness, 200, 1},
		{MiningFatigue, 200, 0},
		{Weakness, 200, 1},
	}},
}

// DefaultRefreshThresholdTicks is how close to expiry an active effect may get
// before Refresh re-applies it.
const DefaultRefreshThresholdTicks = 40

func (l Level) def() levelDef {
	if l < Normal || int(l) >= len(table) {
		return table[0]
	}
	return table[l]
}

func (l Level) String() string { return l.def().Name }

func (l Level) Threshold() float64 { return l.def().Threshold }

// Effects returns a copy of the level's effect list.
func (l Level) Effects() []Effect {
	return append([]Effect(nil), l.def().Effects...)
}

// Levels lists every level in ascending order.
func Levels() []Level {
	out := make([]Level, len(table))
	for i, d := range table {
		out[i] = d.Level
	}
	return out
}

// ParseLevel maps a persisted name back to a level. Unknown names yield
// Normal and ok=false.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, d := range table {
		if d.Name == s {
			return d.Level, true
		}
	}
	return Normal, false
}

// Classify returns the highest level whose threshold ratio meets.
// NaN and negative ratios are Normal; +Inf (load on zero capacity) is Critical.
func Classify(ratio float64) Level {
	if math.IsNaN(ratio) || ratio < 0 {
		return Normal
	}
	out := Normal
	for _, d := range table {
		if ratio >= d.Threshold {
			out = d.Level
		}
	}
	return out
}

// Diff lists the effect kinds to remove (present in from, absent in to) and
// the effects to apply (all of to's).
func Diff(from, to Level) (remove []string, apply []Effect) {
	keep := map[string]bool{}
	for _, e := range to.def().Effects {
		keep[e.Kind] = true
	}
	for _, e := range from.def().Effects {
		if !keep[e.Kind] {
			remove = append(remove, e.Kind)
		}
	}
	return remove, to.Effects()
}

// Active is the host's view of an effect currently on the actor.
type Active struct {
	Amplifier      int `json:"amplifier"`
	RemainingTicks int `json:"remaining_ticks"`
}

// Refresh returns the level's effects that need re-applying: missing, at a
// different amplifier, or about to expire.
func Refresh(l Level, active map[string]Active, thresholdTicks int) []Effect {
	var out []Effect
	for _, e := range l.def().Effects {
		a, ok := active[e.Kind]
		if !ok || a.Amplifier != e.Amplifier || a.RemainingTicks < thresholdTicks {
			out = append(out, e)
		}
	}
	return out
}
