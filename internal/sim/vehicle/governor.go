package vehicle

import (
	"time"

	"loadwarden.ai/internal/sim/item"
)

// Weigher returns the total weight of a stack including nested contents.
type Weigher interface {
	Weight(s item.Stack) float64
}

// Status is what occupants are told about a vehicle's load.
type Status struct {
	VehicleID string    `json:"vehicle_id"`
	Class     string    `json:"class"`
	Type      string    `json:"type"`
	Weight    float64   `json:"weight"`
	Capacity  float64   `json:"capacity"`
	Ratio     float64   `json:"ratio"`
	Bucket    int       `json:"bucket"`
	Modifiers Modifiers `json:"modifiers"`
	Message   string    `json:"message"`
}

type record struct {
	weight     float64
	ratio      float64
	at         time.Time
	lastBucket int
	notified   bool
}

// Governor keeps a short-lived load cache per vehicle and tracks which
// bucket each vehicle last reported. Not safe for concurrent use.
type Governor struct {
	weigh    Weigher
	ships    map[string]float64
	aircraft map[string]float64
	ttl      time.Duration
	now      func() time.Time

	records map[string]*record
}

func NewGovernor(w Weigher, ships, aircraft map[string]float64, ttl time.Duration) *Governor {
	if ttl < 0 {
		ttl = DefaultTTL
	}
	return &Governor{
		weigh:    w,
		ships:    ships,
		aircraft: aircraft,
		ttl:      ttl,
		now:      time.Now,
		records:  map[string]*record{},
	}
}

func (g *Governor) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Capacity is the static capacity for the vehicle's type; 0 when unknown.
func (g *Governor) Capacity(v Vehicle) float64 {
	if v.Class == Aircraft {
		return g.aircraft[v.Type]
	}
	return g.ships[v.Type]
}

func (g *Governor) load(v Vehicle) (*record, error) {
	if v.ID == "" {
		return nil, ErrNoIdentity
	}
	now := g.now()
	r := g.records[v.ID]
	if r != nil && !r.at.IsZero() && now.Sub(r.at) < g.ttl {
		return r, nil
	}
	if r == nil {
		r = &record{}
		g.records[v.ID] = r
	}
	var w float64
	for _, s := range v.Slots {
		w += g.weigh.Weight(s)
	}
	r.weight = w
	r.ratio = 0
	if c := g.Capacity(v); c > 0 {
		r.ratio = w / c
	}
	r.at = now
	return r, nil
}

// LoadRatio is total cargo weight over type capacity, cached for the TTL.
func (g *Governor) LoadRatio(v Vehicle) (float64, error) {
	r, err := g.load(v)
	if err != nil {
		return 0, err
	}
	return r.ratio, nil
}

func (g *Governor) Modifiers(v Vehicle) (Modifiers, error) {
	r, err := g.load(v)
	if err != nil {
		return Modifiers{}, err
	}
	return ModifiersFor(v.Class, r.ratio), nil
}

// Invalidate forces the next read for id to recompute.
func (g *Governor) Invalidate(id string) {
	if r := g.records[id]; r != nil {
		r.at = time.Time{}
	}
}

func (g *Governor) Forget(id string) { delete(g.records, id) }

func (g *Governor) status(v Vehicle, r *record) Status {
	b := Bucket(v.Class, r.ratio)
	return Status{
		VehicleID: v.ID,
		Class:     v.Class.String(),
		Type:      v.Type,
		Weight:    r.weight,
		Capacity:  g.Capacity(v),
		Ratio:     r.ratio,
		Bucket:    b,
		Modifiers: ModifiersFor(v.Class, r.ratio),
		Message:   bucketMessage(v.Class, b, r.ratio),
	}
}

// NotifyIfThresholdCrossed reports a status only when the bucket differs
// from the last one reported. An aircraft first seen light stays silent.
func (g *Governor) NotifyIfThresholdCrossed(v Vehicle) (Status, bool, error) {
	r, err := g.load(v)
	if err != nil {
		return Status{}, false, err
	}
	st := g.status(v, r)
	if !r.notified {
		r.notified = true
		r.lastBucket = st.Bucket
		if v.Class == Aircraft && st.Bucket == BucketLight {
			return st, false, nil
		}
		return st, true, nil
	}
	if st.Bucket == r.lastBucket {
		return st, false, nil
	}
	r.lastBucket = st.Bucket
	return st, true, nil
}

// SendCurrentStatus always reports, and records the bucket as notified.
func (g *Governor) SendCurrentStatus(v Vehicle) (Status, error) {
	r, err := g.load(v)
	if err != nil {
		return Status{}, err
	}
	st := g.status(v, r)
	r.notified = true
	r.lastBucket = st.Bucket
	return st, nil
}

// Tracked lists vehicle ids with a live record.
func (g *Governor) Tracked() []string {
	out := make([]string, 0, len(g.records))
	for id := range g.records {
		out = append(out, id)
	}
	return out
}
