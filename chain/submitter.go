package chain

import (
	"context"
	"fmt"
)

// RejectReason classifies why a burn submission did not broadcast.
type RejectReason int

const (
	// RejectNetwork covers transport failures reaching the broadcaster.
	RejectNetwork RejectReason = iota
	// RejectCancelled covers caller cancellation, including an aborted
	// signing prompt.
	RejectCancelled
	// RejectInvalid covers submissions the broadcaster refused.
	RejectInvalid
)

func (r RejectReason) String() string {
	switch r {
	case RejectNetwork:
		return "network"
	case RejectCancelled:
		return "cancelled"
	case RejectInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Rejection is the structured failure returned by a submitter. The burn
// never broadcast; the caller must roll its optimistic delta back.
type Rejection struct {
	Reason RejectReason
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("burn rejected (%s): %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Receipt identifies a broadcast, unconfirmed burn transaction.
type Receipt struct {
	TxHash string `json:"txHash"`
}

// BurnRequest asks the submitter to burn the bounded amount for the
// subject. Contract, chain and post-condition policy live on the
// submitter.
type BurnRequest struct {
	Subject string
	Amount  float64
}

// Submitter signs and broadcasts burn transactions. A nil error means the
// transaction was accepted for broadcast, not that it confirmed.
type Submitter interface {
	SubmitBurn(ctx context.Context, req BurnRequest) (Receipt, error)
}
