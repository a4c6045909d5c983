package energy

import (
	"encoding/json"
	"fmt"
	"math"
)

// SourceID identifies an independent accrual source, typically a holding
// that generates energy at its own rate.
type SourceID string

// AccrualKind discriminates the two shapes the remote service reports
// accrual in.
type AccrualKind int

const (
	// AccrualLegacy carries a single flat scalar with no per-source
	// breakdown.
	AccrualLegacy AccrualKind = iota
	// AccrualPerSource carries one value per contributing source.
	AccrualPerSource
)

// Accrual is the tagged accrual variant. PerSource is populated only for
// AccrualPerSource, Flat only for AccrualLegacy.
type Accrual struct {
	Kind      AccrualKind
	Flat      float64
	PerSource map[SourceID]float64
}

// Total reports the accrual total before any local consumption is applied.
func (a Accrual) Total() float64 {
	if a.Kind == AccrualLegacy {
		return a.Flat
	}
	var total float64
	for _, v := range a.PerSource {
		total += v
	}
	return total
}

// Snapshot is the authoritative resource state pushed by the remote
// service. Snapshots replace each other wholesale; they are never merged.
type Snapshot struct {
	SpendableBalance float64
	TotalAccruable   float64
	AccrualRate      float64
	Capacity         float64
	Accrual          Accrual
}

type wireSnapshot struct {
	SpendableBalance *float64           `json:"spendableBalance"`
	TotalAccruable   *float64           `json:"totalAccruable"`
	AccrualRate      *float64           `json:"accrualRate"`
	Capacity         *float64           `json:"capacity"`
	PerSourceAccrual map[string]float64 `json:"perSourceAccrual"`
	FlatAccrual      *float64           `json:"flatAccrual"`
}

// DecodeSnapshot parses a wire payload into a sanitized snapshot. Missing
// or non-finite numeric fields default to zero, except capacity which
// falls back to the supplied value (base plus externally-sourced bonus).
// The variant is selected by whether the per-source map is non-empty.
func DecodeSnapshot(data []byte, fallbackCapacity float64) (Snapshot, error) {
	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := Snapshot{
		SpendableBalance: sanitize(deref(wire.SpendableBalance)),
		TotalAccruable:   sanitize(deref(wire.TotalAccruable)),
		AccrualRate:      sanitize(deref(wire.AccrualRate)),
	}
	if wire.Capacity == nil || !isFinite(*wire.Capacity) {
		snap.Capacity = sanitize(fallbackCapacity)
	} else {
		snap.Capacity = *wire.Capacity
	}
	if len(wire.PerSourceAccrual) > 0 {
		perSource := make(map[SourceID]float64, len(wire.PerSourceAccrual))
		for id, v := range wire.PerSourceAccrual {
			perSource[SourceID(id)] = sanitize(v)
		}
		snap.Accrual = Accrual{Kind: AccrualPerSource, PerSource: perSource}
	} else {
		snap.Accrual = Accrual{Kind: AccrualLegacy, Flat: sanitize(deref(wire.FlatAccrual))}
	}
	return snap, nil
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Accrual.PerSource != nil {
		out.Accrual.PerSource = make(map[SourceID]float64, len(s.Accrual.PerSource))
		for id, v := range s.Accrual.PerSource {
			out.Accrual.PerSource[id] = v
		}
	}
	return out
}

// Headroom reports how much spendable balance can still be added before
// the capacity bound is reached.
func (s Snapshot) Headroom() float64 {
	return math.Max(0, s.Capacity-s.SpendableBalance)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sanitize(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}
