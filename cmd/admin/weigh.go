package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"loadwarden.ai/internal/protocol"
	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/aggregate"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/rules"
	"loadwarden.ai/internal/sim/tuning"
	"loadwarden.ai/internal/transport/ws"
)

// holdingsFile is the input of `admin weigh`: the same stack shape the host
// sends in ACTOR_STATE.
type holdingsFile struct {
	BaseCapacity float64                 `json:"base_capacity,omitempty"`
	Bonuses      map[string]float64      `json:"bonuses,omitempty"`
	Holdings     []protocol.Stack        `json:"holdings"`
	Equipped     []protocol.EquippedItem `json:"equipped,omitempty"`
}

type weighLine struct {
	Slot   int     `json:"slot"`
	ID     string  `json:"id"`
	Count  int     `json:"count"`
	Unit   float64 `json:"unit"`
	Tier   string  `json:"tier"`
	Weight float64 `json:"weight"`
}

type weighReport struct {
	Lines       []weighLine        `json:"lines"`
	Weight      float64            `json:"weight"`
	MaxCapacity float64            `json:"max_capacity"`
	Bonuses     map[string]float64 `json:"bonuses"`
	Ratio       float64            `json:"ratio"`
	Level       string             `json:"level"`
}

func weighCmd(args []string) {
	fs := flag.NewFlagSet("weigh", flag.ExitOnError)
	configDir := fs.String("configs", "./configs", "config directory")
	rulesDir := fs.String("rules", "", "rules directory (default: <configs>/rules)")
	tuningPath := fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	file := fs.String("file", "", "holdings JSON file (- for stdin)")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	verbose := fs.Bool("v", false, "log rule load issues")
	_ = fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}
	store, tune := loadRulesAndTuning(*configDir, *rulesDir, *tuningPath, *verbose)

	var raw []byte
	var err error
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	exitOn("read holdings", err)
	var hf holdingsFile
	if err := json.Unmarshal(raw, &hf); err != nil {
		exitOn("parse holdings", fmt.Errorf("%s: %w", filepath.Base(*file), err))
	}

	rep, err := weighHoldings(store, tune, hf)
	exitOn("weigh", err)
	if *asJSON {
		printJSON(rep)
		return
	}
	for _, l := range rep.Lines {
		fmt.Printf("%3d  %-40s x%-4d unit=%-8.3f %-10s %8.3f\n", l.Slot, l.ID, l.Count, l.Unit, l.Tier, l.Weight)
	}
	fmt.Printf("weight=%.3f capacity=%.3f ratio=%.3f level=%s\n", rep.Weight, rep.MaxCapacity, rep.Ratio, rep.Level)
}

// weighHoldings runs one offline account computation: equipment bonuses,
// nested container weights and the resulting level.
func weighHoldings(store *rules.Store, tune tuning.Tuning, hf holdingsFile) (weighReport, error) {
	h := rules.NewHandle(store)
	lookup := rules.NewLookup(h)
	agg := aggregate.New(lookup, tune.Aggregation.MaxDepth)

	stacks, err := ws.ToStacks(hf.Holdings)
	if err != nil {
		return weighReport{}, err
	}
	base := hf.BaseCapacity
	if base <= 0 {
		base = tune.Capacity.BaseCapacity
	}
	acct := account.New(base)
	for src, v := range hf.Bonuses {
		acct.AddBonus(v, src)
	}
	equipped := map[string]float64{}
	for _, eq := range hf.Equipped {
		st, err := ws.ToStack(eq.Item)
		if err != nil {
			return weighReport{}, fmt.Errorf("equipped %s: %w", eq.Slot, err)
		}
		if !st.IsEmpty() {
			equipped[eq.Slot] = lookup.CapacityBonus(st.ID, "")
		}
	}
	acct.RefreshEquipmentBonuses(tune.Capacity.EquippedSourcePrefix, equipped)
	acct.MarkDirty()
	acct.Recompute(func() float64 { return agg.Total(stacks) })

	rep := weighReport{
		Weight:      acct.CurrentWeight(),
		MaxCapacity: acct.MaxCapacity(),
		Bonuses:     acct.Bonuses(),
	}
	for i, s := range stacks {
		if s.IsEmpty() {
			continue
		}
		res := store.Resolve(s)
		rep.Lines = append(rep.Lines, weighLine{
			Slot:   i,
			ID:     s.ID.String(),
			Count:  s.Count,
			Unit:   res.Weight,
			Tier:   res.Tier.String(),
			Weight: agg.Weight(s),
		})
	}
	ratio := acct.Ratio()
	rep.Level = encumbrance.Classify(ratio).String()
	if math.IsInf(ratio, 1) {
		ratio = math.MaxFloat64
	}
	rep.Ratio = ratio
	return rep, nil
}

func loadRulesAndTuning(configDir, rulesDir, tuningPath string, verbose bool) (*rules.Store, tuning.Tuning) {
	rd := strings.TrimSpace(rulesDir)
	if rd == "" {
		rd = filepath.Join(configDir, "rules")
	}
	out := io.Discard
	if verbose {
		out = os.Stderr
	}
	store, err := rules.LoadAndLog(rd, log.New(out, "[rules] ", 0))
	exitOn("load rules", err)

	tp := strings.TrimSpace(tuningPath)
	if tp == "" {
		tp = filepath.Join(configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			exitOn("load tuning", err)
		}
		tune = tuning.Defaults()
	}
	return store, tune
}
