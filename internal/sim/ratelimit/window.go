package ratelimit

// Allow is a fixed tick-window counter. It returns the updated window start
// and count, whether the event is allowed, and how many ticks remain until
// the window reopens when it is not.
func Allow(nowTick uint64, startTick uint64, count int, window uint64, max int) (newStart uint64, newCount int, ok bool, cooldownTicks uint64) {
	newStart = startTick
	newCount = count
	if window == 0 || max <= 0 {
		return newStart, newCount, true, 0
	}

	if count == 0 || nowTick-newStart >= window {
		newStart = nowTick
		newCount = 0
	}
	newCount++
	if newCount <= max {
		return newStart, newCount, true, 0
	}
	return newStart, newCount, false, (newStart + window) - nowTick
}

type window struct {
	start uint64
	count int
}

// Keyed applies one window per key (an actor id, typically). Not safe for
// concurrent use; it belongs to the tick goroutine.
type Keyed struct {
	Window uint64
	Max    int

	m map[string]window
}

func NewKeyed(windowTicks uint64, max int) *Keyed {
	return &Keyed{Window: windowTicks, Max: max, m: map[string]window{}}
}

func (k *Keyed) Allow(key string, nowTick uint64) (bool, uint64) {
	w := k.m[key]
	start, count, ok, cd := Allow(nowTick, w.start, w.count, k.Window, k.Max)
	k.m[key] = window{start: start, count: count}
	return ok, cd
}

// Forget drops state for key.
func (k *Keyed) Forget(key string) { delete(k.m, key) }
