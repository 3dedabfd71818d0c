package replication

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"loadwarden.ai/internal/sim/account"
)

// DefaultBatchDelay is the coalescing window for scheduled syncs.
const DefaultBatchDelay = 500 * time.Millisecond

// ErrNoRecord is returned when the source has nothing published for an actor.
var ErrNoRecord = errors.New("no account record for actor")

// Source provides the latest published record for an actor. It is called
// from the sweep goroutine and must be safe for concurrent use.
type Source interface {
	SyncRecord(actorID string) (account.Record, bool)
}

// Sender delivers a payload to the actor's remote views.
type Sender interface {
	SendSync(actorID string, p Payload) error
}

type Stats struct {
	Pending  int
	Sent     uint64
	Failed   uint64
	Schedule uint64
}

// Batcher coalesces sync requests: many ScheduleSync calls for one actor
// inside a window produce one send.
type Batcher struct {
	delay  time.Duration
	codec  *Codec
	src    Source
	out    Sender
	logger *log.Logger
	now    func() time.Time

	pending sync.Map // actorID -> time.Time (due)

	mu       sync.Mutex
	sent     uint64
	failed   uint64
	schedule uint64
}

func NewBatcher(delay time.Duration, codec *Codec, src Source, out Sender, logger *log.Logger) *Batcher {
	if delay <= 0 {
		delay = DefaultBatchDelay
	}
	if logger == nil {
		logger = log.Default()
	}
	if codec == nil {
		codec = NewCodec(DefaultCompressionThreshold, logger)
	}
	return &Batcher{delay: delay, codec: codec, src: src, out: out, logger: logger, now: time.Now}
}

func (b *Batcher) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// ScheduleSync queues a sync for actorID due one window from now. A later
// call for the same actor replaces the due time.
func (b *Batcher) ScheduleSync(actorID string) {
	if actorID == "" {
		return
	}
	b.pending.Store(actorID, b.now().Add(b.delay))
	b.mu.Lock()
	b.schedule++
	b.mu.Unlock()
}

// SyncImmediately sends the current record now and drops any pending entry.
func (b *Batcher) SyncImmediately(actorID string) error {
	b.pending.Delete(actorID)
	return b.send(actorID)
}

func (b *Batcher) send(actorID string) error {
	rec, ok := b.src.SyncRecord(actorID)
	if !ok {
		return ErrNoRecord
	}
	p, err := b.codec.Encode(rec)
	if err == nil {
		err = b.out.SendSync(actorID, p)
	}
	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.sent++
	}
	b.mu.Unlock()
	return err
}

// Sweep sends every due entry and returns how many were sent.
func (b *Batcher) Sweep() int {
	now := b.now()
	var due []string
	b.pending.Range(func(k, v any) bool {
		if t := v.(time.Time); !t.After(now) {
			due = append(due, k.(string))
		}
		return true
	})
	sort.Strings(due)
	n := 0
	for _, id := range due {
		v, ok := b.pending.Load(id)
		if !ok || v.(time.Time).After(now) {
			continue
		}
		// A reschedule between Load and here moved the due time; leave it.
		if !b.pending.CompareAndDelete(id, v) {
			continue
		}
		if err := b.send(id); err != nil {
			if !errors.Is(err, ErrNoRecord) {
				b.logger.Printf("sync %s: %v", id, err)
			}
			continue
		}
		n++
	}
	return n
}

// Run sweeps once per window until ctx is done.
func (b *Batcher) Run(ctx context.Context) error {
	t := time.NewTicker(b.delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.Sweep()
		}
	}
}

// Forget drops a pending entry without sending.
func (b *Batcher) Forget(actorID string) { b.pending.Delete(actorID) }

func (b *Batcher) Stats() Stats {
	n := 0
	b.pending.Range(func(_, _ any) bool { n++; return true })
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Pending: n, Sent: b.sent, Failed: b.failed, Schedule: b.schedule}
}
