// Package positions is the durable store of mental-bracket positions: one
// stop/target pair per symbol, tracked locally instead of on the venue.
package positions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrCorruptStore means the store file exists but cannot be parsed. The
// caller must not treat it as "no positions".
var ErrCorruptStore = errors.New("position store is corrupt")

// Trigger is the outcome of an exit check.
type Trigger string

const (
	TriggerNone   Trigger = "none"
	TriggerStop   Trigger = "stop"
	TriggerTarget Trigger = "target"
)

// Position is a locally tracked protective bracket.
type Position struct {
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	Quantity    float64   `json:"quantity"`
	StopPrice   float64   `json:"stop_price"`
	TargetPrice float64   `json:"target_price"`
	Volatility  float64   `json:"volatility"`
	EntryTime   time.Time `json:"entry_time"`
	Source      string    `json:"source"`
	Short       bool      `json:"short"`
}

// NewPosition is the input to AddPosition. Zero StopPrice/TargetPrice are
// derived from Volatility, or from the fallback percentages.
type NewPosition struct {
	Symbol      string
	EntryPrice  float64
	Quantity    float64
	Volatility  float64
	StopPrice   float64
	TargetPrice float64
	Source      string
	Short       bool
}

// Levels configures derived stop and target distances.
type Levels struct {
	StopATRMult     float64
	TargetATRMult   float64
	FallbackStopPct float64
	FallbackTPPct   float64
}

// DefaultLevels uses 2x/3x ATR, or 2%/3% without volatility.
func DefaultLevels() Levels {
	return Levels{StopATRMult: 2, TargetATRMult: 3, FallbackStopPct: 0.02, FallbackTPPct: 0.03}
}

// Tracker persists positions to a JSON file guarded by a sibling flock file.
type Tracker struct {
	path     string
	lockPath string
	levels   Levels
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a tracker storing positions at path.
func New(path string, levels Levels, logger zerolog.Logger) (*Tracker, error) {
	if path == "" {
		return nil, errors.New("positions path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create positions directory: %w", err)
	}
	return &Tracker{
		path:     path,
		lockPath: path + ".lock",
		levels:   levels,
		logger:   logger.With().Str("component", "positions").Logger(),
		now:      time.Now,
	}, nil
}

// Path returns the store file path.
func (t *Tracker) Path() string { return t.path }

// AddPosition records a position, replacing any existing one for the symbol.
func (t *Tracker) AddPosition(in NewPosition) (Position, error) {
	if in.Symbol == "" || in.EntryPrice <= 0 || in.Quantity <= 0 {
		return Position{}, fmt.Errorf("invalid position: symbol=%q entry=%v qty=%v", in.Symbol, in.EntryPrice, in.Quantity)
	}
	pos := Position{
		Symbol:     in.Symbol,
		EntryPrice: in.EntryPrice,
		Quantity:   in.Quantity,
		Volatility: in.Volatility,
		EntryTime:  t.now().UTC(),
		Source:     in.Source,
		Short:      in.Short,
	}
	pos.StopPrice, pos.TargetPrice = t.levelsFor(in)

	err := t.mutate(func(m map[string]Position) error {
		if prev, ok := m[in.Symbol]; ok {
			t.logger.Info().Str("symbol", in.Symbol).Float64("prev_entry", prev.EntryPrice).Msg("replacing tracked position")
		}
		m[in.Symbol] = pos
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	t.logger.Info().Str("symbol", pos.Symbol).Bool("short", pos.Short).Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopPrice).Float64("target", pos.TargetPrice).Str("source", pos.Source).Msg("position tracked")
	return pos, nil
}

func (t *Tracker) levelsFor(in NewPosition) (stop, target float64) {
	entry := in.EntryPrice
	stopDist := entry * t.levels.FallbackStopPct
	targetDist := entry * t.levels.FallbackTPPct
	if in.Volatility > 0 {
		stopDist = in.Volatility * t.levels.StopATRMult
		targetDist = in.Volatility * t.levels.TargetATRMult
	}
	if in.Short {
		stop, target = entry+stopDist, entry-targetDist
	} else {
		stop, target = entry-stopDist, entry+targetDist
	}
	if in.StopPrice > 0 {
		stop = in.StopPrice
	}
	if in.TargetPrice > 0 {
		target = in.TargetPrice
	}
	// Levels never fall below half the entry price.
	floor := entry * 0.5
	if !in.Short && stop < floor {
		stop = floor
	}
	if in.Short && target < floor {
		target = floor
	}
	return stop, target
}

// RemovePosition deletes the symbol's position. It reports whether one existed.
func (t *Tracker) RemovePosition(symbol string) (bool, error) {
	removed := false
	err := t.mutate(func(m map[string]Position) error {
		if _, ok := m[symbol]; ok {
			delete(m, symbol)
			removed = true
		}
		return nil
	})
	if err == nil && removed {
		t.logger.Info().Str("symbol", symbol).Msg("position removed")
	}
	return removed, err
}

// GetPosition returns the symbol's position, or nil when none is tracked.
func (t *Tracker) GetPosition(symbol string) (*Position, error) {
	all, err := t.All()
	if err != nil {
		return nil, err
	}
	if p, ok := all[symbol]; ok {
		return &p, nil
	}
	return nil, nil
}

// All returns every tracked position under a shared lock.
func (t *Tracker) All() (map[string]Position, error) {
	var out map[string]Position
	err := withFlock(t.lockPath, false, func() error {
		m, err := t.load()
		out = m
		return err
	})
	return out, err
}

// CheckExitTrigger evaluates price against the symbol's levels. Shorts stop
// out above entry and take profit below.
func (t *Tracker) CheckExitTrigger(symbol string, price float64) (Trigger, error) {
	p, err := t.GetPosition(symbol)
	if err != nil || p == nil {
		return TriggerNone, err
	}
	return p.Evaluate(price), nil
}

// Evaluate returns the trigger for price.
func (p Position) Evaluate(price float64) Trigger {
	if price <= 0 {
		return TriggerNone
	}
	if p.Short {
		switch {
		case price >= p.StopPrice:
			return TriggerStop
		case price <= p.TargetPrice:
			return TriggerTarget
		}
		return TriggerNone
	}
	switch {
	case price <= p.StopPrice:
		return TriggerStop
	case price >= p.TargetPrice:
		return TriggerTarget
	}
	return TriggerNone
}

// Clear removes every position. Used for manual intervention.
func (t *Tracker) Clear() error {
	err := t.mutate(func(m map[string]Position) error {
		for k := range m {
			delete(m, k)
		}
		return nil
	})
	if err == nil {
		t.logger.Warn().Msg("all tracked positions cleared")
	}
	return err
}

// Summary renders the tracked positions for operators.
func (t *Tracker) Summary() (string, error) {
	all, err := t.All()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "no tracked positions", nil
	}
	symbols := make([]string, 0, len(all))
	for s := range all {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var b strings.Builder
	fmt.Fprintf(&b, "%d tracked position(s)\n", len(all))
	for _, s := range symbols {
		p := all[s]
		side := "long"
		if p.Short {
			side = "short"
		}
		fmt.Fprintf(&b, "  %-10s %-5s qty=%.8f entry=%.2f stop=%.2f target=%.2f source=%s\n",
			p.Symbol, side, p.Quantity, p.EntryPrice, p.StopPrice, p.TargetPrice, p.Source)
	}
	return b.String(), nil
}

// mutate runs load, fn, save under the exclusive lock.
func (t *Tracker) mutate(fn func(map[string]Position) error) error {
	return withFlock(t.lockPath, true, func() error {
		m, err := t.load()
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		return t.save(m)
	})
}

func (t *Tracker) load() (map[string]Position, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Position), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	m := make(map[string]Position)
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.logger.Error().Err(err).Str("path", t.path).Msg("position store failed to parse; manual intervention required")
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, t.path, err)
	}
	if m == nil {
		// JSON null decodes into a nil map.
		return nil, fmt.Errorf("%w: %s: not an object", ErrCorruptStore, t.path)
	}
	for sym, p := range m {
		if p.Symbol != sym || p.EntryPrice <= 0 {
			return nil, fmt.Errorf("%w: %s: bad entry for %q", ErrCorruptStore, t.path, sym)
		}
	}
	return m, nil
}

// save writes a temp file in the same directory, fsyncs and renames it over
// the store so readers never observe a partial file.
func (t *Tracker) save(m map[string]Position) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".positions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp positions file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write positions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync positions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close positions: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("rename positions: %w", err)
	}
	return nil
}
