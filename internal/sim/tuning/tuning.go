package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	Capacity    Capacity    `yaml:"capacity"`
	Aggregation Aggregation `yaml:"aggregation"`
	Effects     Effects     `yaml:"effects"`
	Sync        Sync        `yaml:"sync"`
	Scanner     Scanner     `yaml:"scanner"`
	Pickup      Pickup      `yaml:"pickup"`
	Vehicles    Vehicles    `yaml:"vehicles"`
}

type Capacity struct {
	BaseCapacity float64 `yaml:"base_capacity"`
	// EquippedSourcePrefix marks bonus sources owned by the equipment refresh.
	EquippedSourcePrefix string `yaml:"equipped_source_prefix"`
}

type Aggregation struct {
	MaxDepth int `yaml:"max_depth"`
}

type Effects struct {
	RefreshThresholdTicks int `yaml:"refresh_threshold_ticks"`
}

type Sync struct {
	BatchDelayMs         int `yaml:"batch_delay_ms"`
	CompressionThreshold int `yaml:"compression_threshold_bytes"`
}

type Scanner struct {
	PollEveryTicks int `yaml:"poll_every_ticks"`
}

type Pickup struct {
	MessageCooldownTicks int `yaml:"message_cooldown_ticks"`
}

type Vehicles struct {
	CacheTTLMs int                `yaml:"cache_ttl_ms"`
	Ships      map[string]float64 `yaml:"ships"`
	Aircraft   map[string]float64 `yaml:"aircraft"`
}

func (s Sync) BatchDelay() time.Duration { return time.Duration(s.BatchDelayMs) * time.Millisecond }

func (v Vehicles) CacheTTL() time.Duration { return time.Duration(v.CacheTTLMs) * time.Millisecond }

// TickDuration is the wall-clock length of one tick.
func (t Tuning) TickDuration() time.Duration {
	if t.TickRateHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(t.TickRateHz)
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         20,
		SnapshotEveryTicks: 6000,
		Capacity: Capacity{
			BaseCapacity:         50,
			EquippedSourcePrefix: "equipped_",
		},
		Aggregation: Aggregation{MaxDepth: 3},
		Effects:     Effects{RefreshThresholdTicks: 40},
		Sync: Sync{
			BatchDelayMs:         500,
			CompressionThreshold: 1024,
		},
		Scanner: Scanner{PollEveryTicks: 5},
		Pickup:  Pickup{MessageCooldownTicks: 100},
		Vehicles: Vehicles{
			CacheTTLMs: 250,
			Ships: map[string]float64{
				"galley":  1000,
				"drakkar": 1500,
				"cog":     2500,
				"brigg":   5000,
			},
			Aircraft: map[string]float64{
				"immersive_aircraft:airship":       1200,
				"immersive_aircraft:cargo_airship": 3500,
				"immersive_aircraft:warship":       2000,
				"immersive_aircraft:biplane":       300,
				"immersive_aircraft:gyrodyne":      500,
				"immersive_aircraft:quadrocopter":  200,
			},
		},
	}
}

// Load reads a tuning file on top of Defaults, so a partial file only
// overrides what it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0"))
	}
	if t.Capacity.BaseCapacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity.base_capacity must be > 0"))
	}
	if t.Aggregation.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("aggregation.max_depth must be >= 1"))
	}
	if t.Effects.RefreshThresholdTicks < 0 {
		errs = append(errs, fmt.Errorf("effects.refresh_threshold_ticks must be >= 0"))
	}
	if t.Sync.BatchDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_delay_ms must be > 0"))
	}
	if t.Sync.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("sync.compression_threshold_bytes must be >= 0"))
	}
	if t.Scanner.PollEveryTicks <= 0 {
		errs = append(errs, fmt.Errorf("scanner.poll_every_ticks must be > 0"))
	}
	if t.Vehicles.CacheTTLMs < 0 {
		errs = append(errs, fmt.Errorf("vehicles.cache_ttl_ms must be >= 0"))
	}
	for k, v := range t.Vehicles.Ships {
		if v < 0 {
			errs = append(errs, fmt.Errorf("vehicles.ships.%s: capacity must be >= 0", k))
		}
	}
	for k, v := range t.Vehicles.Aircraft {
		if v < 0 {
			errs = append(errs, fmt.Errorf("vehicles.aircraft.%s: capacity must be >= 0", k))
		}
	}
	return errors.Join(errs...)
}
