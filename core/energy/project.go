package energy

import "math"

// Overlay captures the net pending local deltas layered over the
// authoritative snapshot while the upstream service catches up.
type Overlay struct {
	// BalanceDelta is the signed net pending change to spendable balance.
	BalanceDelta float64
	// AccrualConsumed is the amount claimed locally but not yet reflected
	// upstream; it only grows while entries are pending.
	AccrualConsumed float64
	// PerSourceConsumed records the locally consumed amount per source.
	PerSourceConsumed map[SourceID]float64
}

// Display is the client-visible projection of snapshot plus overlay. All
// balance and accrual fields are clamped into [0, Capacity].
type Display struct {
	SpendableBalance   float64              `json:"spendableBalance"`
	TotalAccruable     float64              `json:"totalAccruable"`
	AccrualRate        float64              `json:"accrualRate"`
	Capacity           float64              `json:"capacity"`
	RemainingAccrual   float64              `json:"remainingAccrual"`
	RemainingPerSource map[SourceID]float64 `json:"remainingPerSource,omitempty"`
}

// Project combines the authoritative snapshot with the optimistic overlay.
// It is a pure function: callers own synchronisation of its inputs.
//
// In the per-source variant the consumed amount for each source is clamped
// to that source's own reported accrual before summation. In the legacy
// variant the flat total is reduced by the raw sum of all per-source
// consumption and only the final value is clamped at zero; for some input
// sequences this zeroes displayed accrual earlier than the per-source path
// would, and that behavior is kept as-is.
func Project(snap Snapshot, ov Overlay) Display {
	capacity := sanitize(snap.Capacity)
	out := Display{
		AccrualRate: sanitize(snap.AccrualRate),
		Capacity:    capacity,
	}

	switch snap.Accrual.Kind {
	case AccrualPerSource:
		remaining := make(map[SourceID]float64, len(snap.Accrual.PerSource))
		var total float64
		for id, reported := range snap.Accrual.PerSource {
			reported = sanitize(reported)
			consumed := math.Min(sanitize(ov.PerSourceConsumed[id]), reported)
			left := math.Max(0, reported-consumed)
			remaining[id] = left
			total += left
		}
		out.RemainingPerSource = remaining
		out.RemainingAccrual = total
	default:
		var consumed float64
		for _, v := range ov.PerSourceConsumed {
			consumed += sanitize(v)
		}
		out.RemainingAccrual = math.Max(0, sanitize(snap.Accrual.Flat)-consumed)
	}

	out.SpendableBalance = clamp(sanitize(snap.SpendableBalance)+sanitize(ov.BalanceDelta), capacity)
	out.TotalAccruable = clamp(sanitize(snap.TotalAccruable)-sanitize(ov.AccrualConsumed), capacity)
	return out
}

func clamp(v, capacity float64) float64 {
	if v < 0 {
		return 0
	}
	if v > capacity {
		return capacity
	}
	return v
}
