package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loadwarden.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/loadwarden.sqlite)")
	actor := fs.String("actor", "", "actor id (account, history)")
	vehicleID := fs.String("vehicle", "", "vehicle id (vehicle)")
	level := fs.String("level", "CRITICAL", "level name (level)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "loadwarden.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			fmt.Fprintf(os.Stderr, "missing -%s\n", name)
			os.Exit(2)
		}
	}

	switch q {
	case "snapshots":
		rows, err := db.Snapshots(*limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "rules":
		rows, err := db.Rules(*limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "account":
		need("actor", *actor)
		row, err := db.GetAccount(*actor)
		exitOn("query", err)
		rec, err := row.Record()
		exitOn("decode", err)
		printJSON(struct {
			indexdb.AccountRow
			Record any `json:"record"`
		}{row, rec})

	case "history":
		need("actor", *actor)
		rows, err := db.LevelHistory(*actor, *limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "level":
		rows, err := db.AccountsAtLevel(strings.ToUpper(*level), *limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "vehicle":
		need("vehicle", *vehicleID)
		row, err := db.GetVehicle(*vehicleID)
		exitOn("query", err)
		printJSON(row)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-actor ID] [-vehicle ID] [-level L] snapshots|rules|account|history|level|vehicle")
		os.Exit(2)
	}
}

func exitOn(what string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
