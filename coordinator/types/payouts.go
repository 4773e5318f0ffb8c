package types

import "time"

// PayoutStatus tracks a payout request through settlement.
type PayoutStatus string

// Payout states.
const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// PayoutRequest asks for earned rewards to be settled on chain.
type PayoutRequest struct {
	ID          string       `json:"id"`
	NodeID      string       `json:"node_id"`
	Kind        string       `json:"kind"`
	Amount      float64      `json:"amount"`
	Fee         float64      `json:"fee"`
	Recipient   string       `json:"recipient"`
	Status      PayoutStatus `json:"status"`
	BatchID     string       `json:"batch_id,omitempty"`
	TxHash      string       `json:"tx_hash,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// NetAmount returns the amount actually transferred after fees.
func (r *PayoutRequest) NetAmount() float64 {
	if r.Fee >= r.Amount {
		return 0
	}
	return r.Amount - r.Fee
}

// Settled reports whether the request has reached a final state.
func (r *PayoutRequest) Settled() bool {
	switch r.Status {
	case PayoutCompleted, PayoutFailed, PayoutCancelled:
		return true
	default:
		return false
	}
}

// PayoutBatch groups requests settled together.
type PayoutBatch struct {
	ID         string       `json:"id"`
	RequestIDs []string     `json:"request_ids"`
	Total      float64      `json:"total"`
	Status     PayoutStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// TronTransaction mirrors one on chain transfer issued for a payout.
type TronTransaction struct {
	TxHash      string    `json:"tx_hash"`
	PayoutID    string    `json:"payout_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
