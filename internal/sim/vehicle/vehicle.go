package vehicle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loadwarden.ai/internal/sim/item"
)

// ErrNoIdentity is returned for a vehicle without a persistent id.
var ErrNoIdentity = errors.New("vehicle has no identity")

// DefaultTTL is how long a computed load ratio is reused.
const DefaultTTL = 250 * time.Millisecond

type Class int

const (
	Ship Class = iota
	Aircraft
)

func (c Class) String() string {
	switch c {
	case Aircraft:
		return "aircraft"
	default:
		return "ship"
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ship":
		return Ship, nil
	case "aircraft":
		return Aircraft, nil
	}
	return Ship, fmt.Errorf("unknown vehicle class %q", s)
}

// Vehicle is the host's description of one vehicle instance.
type Vehicle struct {
	ID    string
	Class Class
	Type  string
	Slots []item.Stack
}

// Modifiers are multipliers the host applies to vehicle behaviour.
type Modifiers struct {
	Speed       float64 `json:"speed"`
	EnginePower float64 `json:"engine_power"`
	Fuel        float64 `json:"fuel"`
}

// ModifiersFor maps a load ratio to the class's movement modifiers.
func ModifiersFor(c Class, ratio float64) Modifiers {
	if c == Aircraft {
		p := aircraftPerformance(ratio)
		return Modifiers{Speed: p, EnginePower: p, Fuel: aircraftFuel(ratio)}
	}
	s := shipSpeed(ratio)
	return Modifiers{Speed: s, EnginePower: s, Fuel: 1}
}

func shipSpeed(r float64) float64 {
	switch {
	case r >= 1.01:
		return 0
	case r > 0.9:
		return 0.6
	case r > 0.5:
		return 0.8
	default:
		return 1
	}
}

func aircraftPerformance(r float64) float64 {
	switch {
	case r > 1.0:
		return 0.1
	case r > 0.9:
		return 0.4
	case r > 0.75:
		return 0.7
	case r > 0.5:
		return 0.9
	default:
		return 1
	}
}

func aircraftFuel(r float64) float64 {
	switch {
	case r > 0.9:
		return 2.0
	case r > 0.75:
		return 1.5
	case r > 0.5:
		return 1.25
	default:
		return 1
	}
}

// Buckets: 0 light, 1 loaded, 2 heavy, 3 overloaded.
const (
	BucketLight = iota
	BucketLoaded
	BucketHeavy
	BucketOverloaded
)

func Bucket(c Class, r float64) int {
	if c == Aircraft {
		switch {
		case r > 1.0:
			return BucketOverloaded
		case r > 0.9:
			return BucketHeavy
		case r > 0.5:
			return BucketLoaded
		}
		return BucketLight
	}
	switch {
	case r >= 1.0:
		return BucketOverloaded
	case r > 0.9:
		return BucketHeavy
	case r > 0.5:
		return BucketLoaded
	}
	return BucketLight
}

func bucketMessage(c Class, b int, r float64) string {
	pct := int(r*100 + 0.5)
	noun := "The ship"
	if c == Aircraft {
		noun = "The aircraft"
	}
	switch b {
	case BucketOverloaded:
		if c == Aircraft {
			return fmt.Sprintf("%s is overloaded (%d%%) and can barely stay airborne", noun, pct)
		}
		return fmt.Sprintf("%s is overloaded (%d%%) and cannot move", noun, pct)
	case BucketHeavy:
		return fmt.Sprintf("%s is heavily loaded (%d%%)", noun, pct)
	case BucketLoaded:
		return fmt.Sprintf("%s is carrying cargo (%d%%)", noun, pct)
	default:
		return fmt.Sprintf("%s is lightly loaded (%d%%)", noun, pct)
	}
}

// EnsureIdentity returns id, or a freshly generated one (and true) when id
// is empty.
func EnsureIdentity(id string) (string, bool) {
	if strings.TrimSpace(id) != "" {
		return id, false
	}
	return uuid.New().String(), true
}
