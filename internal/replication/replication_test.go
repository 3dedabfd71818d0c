package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loadwarden.ai/internal/sim/account"
)

type mapSource map[string]account.Record

func (m mapSource) SyncRecord(id string) (account.Record, bool) {
	r, ok := m[id]
	return r, ok
}

type captureSender struct {
	mu   sync.Mutex
	sent map[string][]Payload
}

func (c *captureSender) SendSync(id string, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[string][]Payload{}
	}
	c.sent[id] = append(c.sent[id], p)
	return nil
}

func (c *captureSender) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[id])
}

func record(w float64, bonuses int) account.Record {
	a := account.New(50)
	for i := 0; i < bonuses; i++ {
		a.AddBonus(1, fmt.Sprintf("equipped_slot_%03d", i))
	}
	a.Recompute(func() float64 { return w })
	return a.Record()
}

func TestCodecSmallPayloadUncompressed(t *testing.T) {
	c := NewCodec(DefaultCompressionThreshold, nil)
	p, err := c.Encode(record(12, 1))
	if err != nil {
		t.Fatal(err)
	}
	if p.Compressed || len(p.Data) == 0 || len(p.CompressedData) != 0 {
		t.Fatalf("small payload should be plain: %+v", p)
	}
	r := c.Decode(p)
	if r.CurrentWeight == nil || *r.CurrentWeight != 12 || r.MaxCapacity != 50 || r.Capacity() != 51 {
		t.Fatalf("decoded: %+v", r)
	}
}

func TestCodecLargePayloadCompressed(t *testing.T) {
	c := NewCodec(DefaultCompressionThreshold, nil)
	p, err := c.Encode(record(30, 80))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Compressed || len(p.CompressedData) == 0 || len(p.Data) != 0 {
		t.Fatalf("large payload should be compressed")
	}
	// Survives the JSON wire hop.
	b, _ := json.Marshal(p)
	var back Payload
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	r := c.Decode(back)
	if len(r.CapacityBonuses) != 80 || r.Capacity() != 130 {
		t.Fatalf("decoded bonuses=%d capacity=%v", len(r.CapacityBonuses), r.Capacity())
	}
}

func TestCodecDecodeFailureYieldsEmpty(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(DefaultCompressionThreshold, log.New(&buf, "", 0))
	r := c.Decode(Payload{Compressed: true, CompressedData: []byte("not zstd")})
	if r.CapacityBonuses != nil || r.CurrentWeight != nil {
		t.Fatalf("expected empty record, got %+v", r)
	}
	if !strings.Contains(buf.String(), "decode sync payload") {
		t.Fatalf("failure should be logged: %q", buf.String())
	}
}

func TestBatcherCoalesces(t *testing.T) {
	now := time.Unix(1000, 0)
	out := &captureSender{}
	b := NewBatcher(500*time.Millisecond, nil, mapSource{"a": record(1, 0), "b": record(2, 0)}, out, nil)
	b.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		b.ScheduleSync("a")
		now = now.Add(50 * time.Millisecond)
	}
	b.ScheduleSync("b")
	if n := b.Sweep(); n != 0 {
		t.Fatalf("nothing is due yet, sent %d", n)
	}
	now = now.Add(500 * time.Millisecond)
	if n := b.Sweep(); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	if out.count("a") != 1 || out.count("b") != 1 {
		t.Fatalf("one send per actor: a=%d b=%d", out.count("a"), out.count("b"))
	}
	if b.Stats().Pending != 0 {
		t.Fatalf("pending should be empty")
	}
}

func TestBatcherImmediateAndMissing(t *testing.T) {
	out := &captureSender{}
	b := NewBatcher(0, nil, mapSource{"a": record(1, 0)}, out, nil)
	b.ScheduleSync("a")
	if err := b.SyncImmediately("a"); err != nil {
		t.Fatal(err)
	}
	if b.Stats().Pending != 0 || out.count("a") != 1 {
		t.Fatalf("immediate send should clear pending")
	}
	if err := b.SyncImmediately("ghost"); err != ErrNoRecord {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
}

func TestBatcherScheduleDuringSweep(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())
	src := mapSource{}
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("actor-%d", i)
		src[ids[i]] = record(float64(i), 0)
	}
	out := &captureSender{}
	b := NewBatcher(500*time.Millisecond, nil, src, out, nil)
	b.SetClock(func() time.Time { return time.Unix(0, clock.Load()) })

	const rounds = 200
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(done)
		for r := 0; r < rounds; r++ {
			for _, id := range ids {
				b.ScheduleSync(id)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			clock.Add(int64(100 * time.Millisecond))
			b.Sweep()
		}
	}()
	wg.Wait()

	clock.Add(int64(time.Second))
	b.Sweep()
	st := b.Stats()
	if st.Pending != 0 || st.Schedule != rounds*uint64(len(ids)) || st.Failed != 0 {
		t.Fatalf("stats: %+v", st)
	}
	var total uint64
	for _, id := range ids {
		n := out.count(id)
		if n < 1 || n > rounds {
			t.Fatalf("%s sent %d times", id, n)
		}
		total += uint64(n)
	}
	if total != st.Sent {
		t.Fatalf("sent counter %d, captured %d", st.Sent, total)
	}
}
