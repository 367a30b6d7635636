package models

import "time"

// ReceiptStatus tracks the idempotency lifecycle of a callback receipt.
type ReceiptStatus string

const (
	ReceiptStatusProcessing ReceiptStatus = "processing"
	ReceiptStatusCompleted  ReceiptStatus = "completed"
	ReceiptStatusFailed     ReceiptStatus = "failed"
)

// IsTerminal reports whether the receipt has finished processing.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptStatusCompleted || s == ReceiptStatusFailed
}

// CallbackReceipt is the idempotency record keyed by a caller-supplied
// callback identifier, unique across the system. A duplicate delivery
// that finds a terminal receipt is acknowledged without side effects.
type CallbackReceipt struct {
	CallbackID  string        `json:"callback_id"`
	RunID       string        `json:"run_id"`
	Status      ReceiptStatus `json:"status"`
	ReceivedAt  time.Time     `json:"received_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
