package main

import (
	"flag"
	"fmt"
	"time"

	"loadwarden.ai/internal/sim/aggregate"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/rules"
)

type benchResult struct {
	Name  string  `json:"name"`
	Iters int     `json:"iters"`
	NsOp  float64 `json:"ns_per_op"`
}

func benchCmd(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	configDir := fs.String("configs", "./configs", "config directory")
	rulesDir := fs.String("rules", "", "rules directory (default: <configs>/rules)")
	tuningPath := fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	iters := fs.Int("n", 10000, "iterations per case")
	asJSON := fs.Bool("json", false, "print results as JSON")
	_ = fs.Parse(args)

	store, tune := loadRulesAndTuning(*configDir, *rulesDir, *tuningPath, false)
	for _, r := range runBench(store, tune.Aggregation.MaxDepth, *iters) {
		if *asJSON {
			printJSON(r)
			continue
		}
		fmt.Printf("%-28s %8d iters %12.1f ns/op\n", r.Name, r.Iters, r.NsOp)
	}
}

// syntheticHoldings is a full 36-slot inventory with two backpacks, one of
// them nesting a third.
func syntheticHoldings() []item.Stack {
	ids := []string{"core:dirt", "core:stone", "core:iron_ingot", "core:anvil", "core:oak_log", "core:bread", "create:cogwheel", "core:feather"}
	fill := func(n int) []item.Stack {
		out := make([]item.Stack, n)
		for i := range out {
			out[i] = item.Stack{ID: item.MustID(ids[i%len(ids)]), Count: 1 + i%64}
			if out[i].ID.Path == "oak_log" {
				out[i].Tags = []string{"minecraft:logs"}
			}
		}
		return out
	}
	inner := item.Stack{ID: item.MustID("sophisticatedbackpacks:backpack"), Count: 1, Handle: "bench-inner", Contents: fill(27)}
	outer := item.Stack{ID: item.MustID("sophisticatedbackpacks:iron_backpack"), Count: 1, Handle: "bench-outer", Contents: append(fill(53), inner)}
	holdings := fill(34)
	return append(holdings, outer, item.Stack{ID: item.MustID("sophisticatedbackpacks:gold_backpack"), Count: 1, Contents: fill(81)})
}

func runBench(store *rules.Store, maxDepth, iters int) []benchResult {
	if iters <= 0 {
		iters = 1
	}
	holdings := syntheticHoldings()
	h := rules.NewHandle(store)

	timeIt := func(name string, fn func()) benchResult {
		start := time.Now()
		for i := 0; i < iters; i++ {
			fn()
		}
		el := time.Since(start)
		return benchResult{Name: name, Iters: iters, NsOp: float64(el.Nanoseconds()) / float64(iters)}
	}

	var out []benchResult
	out = append(out, timeIt("rules.resolve (36 stacks)", func() {
		for _, s := range holdings {
			_ = store.Weight(s)
		}
	}))

	lookup := rules.NewLookup(h)
	out = append(out, timeIt("lookup.memo (36 stacks)", func() {
		for _, s := range holdings {
			_ = lookup.Weight(s)
		}
	}))

	cold := aggregate.New(rules.NewLookup(h), maxDepth)
	out = append(out, timeIt("aggregate.cold", func() {
		cold.Clear()
		_ = cold.Total(holdings)
	}))

	warm := aggregate.New(rules.NewLookup(h), maxDepth)
	_ = warm.Total(holdings)
	out = append(out, timeIt("aggregate.warm", func() {
		_ = warm.Total(holdings)
	}))

	inv := aggregate.New(rules.NewLookup(h), maxDepth)
	_ = inv.Total(holdings)
	nested := holdings[34].Contents[53]
	out = append(out, timeIt("aggregate.invalidate_nested", func() {
		inv.Invalidate(nested)
		_ = inv.Total(holdings)
	}))
	return out
}
