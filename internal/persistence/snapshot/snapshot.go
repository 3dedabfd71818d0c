package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"loadwarden.ai/internal/sim/account"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	Actors  int    `json:"actors"`
}

// SnapshotV1 is everything needed to resume accounting after a restart.
// Holdings are not stored; hosts resend them on reconnect.
type SnapshotV1 struct {
	Header Header `json:"header"`

	RulesDigest string `json:"rules_digest"`
	TickRate    int    `json:"tick_rate_hz"`

	Accounts []AccountV1 `json:"accounts"`
	Vehicles []VehicleV1 `json:"vehicles"`
}

type AccountV1 struct {
	ActorID string         `json:"actor_id"`
	Online  bool           `json:"online"`
	Record  account.Record `json:"record"`
}

// VehicleV1 keeps the identity issued for a host entity so the same
// vehicle is not assigned a second id after a restart.
type VehicleV1 struct {
	ID        string `json:"id"`
	EntityRef string `json:"entity_ref,omitempty"`
	Class     string `json:"class"`
	Type      string `json:"type"`
}

// WriteSnapshot writes a header line followed by a gob body, zstd
// compressed. The file is written under a temporary name and renamed.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	snap.Header.Actors = len(snap.Accounts)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("%s: header: %w", path, err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("%s: gob decode: %w", path, err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%s: unsupported snapshot version %d", path, snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("%s: header: %w", path, err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("%s: header: %w", path, err)
	}
	return h, nil
}
