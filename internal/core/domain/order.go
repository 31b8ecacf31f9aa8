package domain

import "time"

// Column widths of the ledger and processing record tables.
const (
	MaxOrderIDLength = 64
	MaxItemLength    = 255
)

type Outcome string

const (
	OutcomeApplied              Outcome = "applied"
	OutcomeRejectedInsufficient Outcome = "rejected-insufficient"
	OutcomeRejectedUnknownItem  Outcome = "rejected-unknown-item"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeRejectedInsufficient, OutcomeRejectedUnknownItem:
		return true
	}
	return false
}

// Rejected reports whether the outcome is a business rejection.
func (o Outcome) Rejected() bool {
	return o == OutcomeRejectedInsufficient || o == OutcomeRejectedUnknownItem
}

// OrderRequest is the OrderRequested event. It is immutable once published and
// is always partitioned by Item.
type OrderRequest struct {
	OrderID     string    `json:"orderId"`
	Item        string    `json:"item"`
	Quantity    int       `json:"quantity"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// PartitionKey is the ordering key for the event bus.
func (o OrderRequest) PartitionKey() []byte {
	return []byte(o.Item)
}

// ProcessingRecord is written exactly once per order id and never mutated.
type ProcessingRecord struct {
	OrderID     string
	Item        string
	Quantity    int
	Outcome     Outcome
	ProcessedAt time.Time
}

// OutcomeEvent is published for downstream status/notification consumers.
type OutcomeEvent struct {
	OrderID     string    `json:"orderId"`
	Item        string    `json:"item"`
	Quantity    int       `json:"quantity"`
	Outcome     Outcome   `json:"outcome"`
	ProcessedAt time.Time `json:"processedAt"`
}

func NewOutcomeEvent(rec ProcessingRecord) OutcomeEvent {
	return OutcomeEvent{
		OrderID:     rec.OrderID,
		Item:        rec.Item,
		Quantity:    rec.Quantity,
		Outcome:     rec.Outcome,
		ProcessedAt: rec.ProcessedAt,
	}
}
