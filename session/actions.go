package session

import (
	"context"
	"fmt"
	"math"

	"energyd/chain"
	"energyd/core/energy"
)

// HarvestResult reports how a harvest request was bounded by capacity.
type HarvestResult struct {
	ActionID string  `json:"actionId"`
	Granted  float64 `json:"granted"`
	Wasted   float64 `json:"wasted"`
}

// Harvest moves accrued energy into spendable balance, bounded by the
// remaining capacity headroom. The full requested amount is consumed from
// accrual even when part of it is wasted: energy harvested above capacity
// is destroyed, not retained. The action is purely local and always
// succeeds once its input validates; the optimistic deltas unwind
// automatically after the harvest TTL.
func (s *Session) Harvest(requested float64, source energy.SourceID) (HarvestResult, error) {
	if requested <= 0 || math.IsNaN(requested) || math.IsInf(requested, 0) {
		return HarvestResult{}, ErrInvalidAmount
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return HarvestResult{}, ErrClosed
	}
	headroom := s.snap.Headroom()
	granted := math.Min(requested, headroom)
	wasted := requested - granted

	entry := &pendingEntry{
		id:              s.newID(),
		kind:            actionHarvest,
		balanceDelta:    granted,
		accrualConsumed: requested,
		expiresAt:       s.now().Add(s.cfg.HarvestTTL),
	}
	if source != "" {
		entry.source = source
		entry.sourceConsumed = requested
	}
	s.arena.add(entry)
	s.rearmLocked()
	notice := Notice{Kind: "harvest", Granted: granted, Wasted: wasted, At: s.now()}
	s.lastNotice = &notice
	size := s.arena.size()
	notifier := s.notifier
	s.mu.Unlock()

	s.metrics.Action("harvest", "granted")
	s.metrics.OverlayEntries(size)
	if notifier != nil {
		notifier.Notify(notice)
	}
	return HarvestResult{ActionID: entry.id, Granted: granted, Wasted: wasted}, nil
}

// Burn consumes spendable balance through the external signed submission.
// The requested amount is bounded by the authoritative spendable balance
// and the configured safety cap. The balance delta applies before the
// submission; a rejected, cancelled or failed submission reverts it
// immediately, while a successful one leaves the delta pending until the
// burn TTL elapses. Concurrent burns are not serialised; each carries its
// own action id and pending entry.
func (s *Session) Burn(ctx context.Context, amount float64) (chain.Receipt, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return chain.Receipt{}, ErrInvalidAmount
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chain.Receipt{}, ErrClosed
	}
	bound := math.Min(amount, math.Min(s.snap.SpendableBalance, s.cfg.MaxBurn))
	if bound <= 0 {
		s.mu.Unlock()
		s.metrics.Action("burn", "rejected")
		return chain.Receipt{}, ErrNoSpendableBalance
	}
	subject := s.subject
	entry := &pendingEntry{
		id:           s.newID(),
		kind:         actionBurn,
		balanceDelta: -bound,
		// Scheduled only after the submission succeeds.
	}
	s.arena.add(entry)
	size := s.arena.size()
	s.mu.Unlock()
	s.metrics.OverlayEntries(size)

	receipt, err := s.submitter.SubmitBurn(ctx, chain.BurnRequest{Subject: subject, Amount: bound})
	if err != nil {
		s.mu.Lock()
		s.arena.remove(entry.id)
		size = s.arena.size()
		s.mu.Unlock()
		s.metrics.Action("burn", "failed")
		s.metrics.OverlayEntries(size)
		s.logger.Error("burn submission failed", "subject", subject, "amount", bound, "err", err)
		return chain.Receipt{}, fmt.Errorf("submit burn: %w", err)
	}

	s.mu.Lock()
	// A subject switch mid-flight already discarded the entry; schedule
	// is a no-op then.
	s.arena.schedule(entry.id, s.now().Add(s.cfg.BurnTTL))
	s.rearmLocked()
	s.mu.Unlock()
	s.metrics.Action("burn", "submitted")
	s.logger.Info("burn submitted", "subject", subject, "amount", bound, "tx", receipt.TxHash)
	return receipt, nil
}
