package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/klauspost/compress/zstd"

	"loadwarden.ai/internal/sim/account"
)

// DefaultCompressionThreshold is the serialized size above which payloads
// are compressed.
const DefaultCompressionThreshold = 1024

// Payload is the wire form of one account sync. Exactly one of Data and
// CompressedData is set.
type Payload struct {
	Compressed     bool            `json:"Compressed"`
	Data           json.RawMessage `json:"Data,omitempty"`
	CompressedData []byte          `json:"CompressedData,omitempty"`
}

// Codec turns account records into payloads and back.
type Codec struct {
	threshold int
	logger    *log.Logger

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

func NewCodec(threshold int, logger *log.Logger) *Codec {
	if threshold < 0 {
		threshold = DefaultCompressionThreshold
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Codec{threshold: threshold, logger: logger}
}

// Encode serializes r; payloads over the threshold are zstd-compressed. A
// compression failure falls back to the uncompressed form.
func (c *Codec) Encode(r account.Record) (Payload, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Payload{}, fmt.Errorf("encode record: %w", err)
	}
	if len(raw) <= c.threshold {
		return Payload{Data: raw}, nil
	}
	comp, err := compress(raw)
	if err != nil {
		c.logger.Printf("compress sync payload (%d bytes): %v; sending uncompressed", len(raw), err)
		return Payload{Data: raw}, nil
	}
	return Payload{Compressed: true, CompressedData: comp}, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) decoder() (*zstd.Decoder, error) {
	c.decOnce.Do(func() {
		c.dec, c.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return c.dec, c.decErr
}

// Decode returns the record carried by p. Any failure is logged and yields
// an empty record.
func (c *Codec) Decode(p Payload) account.Record {
	r, err := c.decode(p)
	if err != nil {
		c.logger.Printf("decode sync payload: %v", err)
		return account.Record{}
	}
	return r
}

func (c *Codec) decode(p Payload) (account.Record, error) {
	var r account.Record
	raw := []byte(p.Data)
	if p.Compressed {
		dec, err := c.decoder()
		if err != nil {
			return r, err
		}
		raw, err = dec.DecodeAll(p.CompressedData, nil)
		if err != nil {
			return r, fmt.Errorf("decompress: %w", err)
		}
	}
	if len(raw) == 0 {
		return r, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("unmarshal: %w", err)
	}
	return r, nil
}
