package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "loadwarden.ai/internal/persistence/log"
	"loadwarden.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "weigh":
			weighCmd(os.Args[2:])
			return
		case "bench":
			benchCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "account":
			accountCmd(os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the header of every snapshot in the data dir.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths := snapshotPaths(*dataDir)
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshots under", filepath.Join(*dataDir, "snapshots"))
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Printf("%s\terror: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s\tv%d\ttick=%d\tactors=%d\n", filepath.Base(p), h.Version, h.Tick, h.Actors)
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	actor := fs.String("actor", "", "print only this actor's record")
	asJSON := fs.Bool("json", false, "print the whole snapshot as JSON")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = latestSnapshot(*dataDir)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if *actor != "" {
		for _, a := range snap.Accounts {
			if a.ActorID == *actor {
				printJSON(a)
				return
			}
		}
		fmt.Fprintln(os.Stderr, "no account for actor", *actor)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(snap)
		return
	}
	fmt.Print(summarize(snap))
}

// summarize renders a snapshot as a short human-readable report.
func summarize(snap snapshot.SnapshotV1) string {
	var b strings.Builder
	online := 0
	levels := map[string]int{}
	for _, a := range snap.Accounts {
		if a.Online {
			online++
		}
		lvl := a.Record.PreviousLevel
		if lvl == "" {
			lvl = "NORMAL"
		}
		levels[lvl]++
	}
	fmt.Fprintf(&b, "tick=%d version=%d tick_rate=%d rules=%s\n", snap.Header.Tick, snap.Header.Version, snap.TickRate, shortDigest(snap.RulesDigest))
	fmt.Fprintf(&b, "accounts=%d online=%d vehicles=%d\n", len(snap.Accounts), online, len(snap.Vehicles))
	names := make([]string, 0, len(levels))
	for k := range levels {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "  %-8s %d\n", k, levels[k])
	}
	for _, v := range snap.Vehicles {
		fmt.Fprintf(&b, "vehicle %s class=%s type=%s ref=%s\n", v.ID, v.Class, v.Type, v.EntityRef)
	}
	return b.String()
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	actor := fs.String("actor", "", "actor or vehicle id filter")
	action := fs.String("action", "", "action filter (LEVEL_CHANGE, VEHICLE_LOAD)")
	sinceTick := fs.Uint64("since_tick", 0, "only entries at or after this tick")
	limit := fs.Int("limit", 0, "print at most this many entries (0 = all)")
	_ = fs.Parse(args)

	files, err := persistlog.AuditFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list audit:", err)
		os.Exit(1)
	}
	n := 0
	for _, f := range files {
		entries, err := persistlog.ReadAudit(f)
		if err != nil {
			// The current hour's file is still open and has no zstd trailer.
			fmt.Fprintln(os.Stderr, "skip:", err)
		}
		for _, e := range entries {
			if *actor != "" && e.Actor != *actor {
				continue
			}
			if *action != "" && e.Action != *action {
				continue
			}
			if e.Tick < *sinceTick {
				continue
			}
			b, _ := json.Marshal(e)
			fmt.Println(string(b))
			n++
			if *limit > 0 && n >= *limit {
				return
			}
		}
	}
}

func snapshotPaths(dataDir string) []string {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type snap struct {
		tick uint64
		path string
	}
	var out []snap
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, snap{tick: tick, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	paths := make([]string, len(out))
	for i, s := range out {
		paths[i] = s.path
	}
	return paths
}

func latestSnapshot(dataDir string) string {
	paths := snapshotPaths(dataDir)
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
