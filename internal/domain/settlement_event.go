package domain

import "time"

// SettlementStatusEvent represents the message emitted by the chain indexer for
// settlement lifecycle updates. Deliveries may be duplicated or arrive out of
// order relative to in-process confirmation, so consumers must reconcile
// idempotently.
type SettlementStatusEvent struct {
	EventID             string    `json:"event_id"`
	EventType           string    `json:"event_type"`
	Status              string    `json:"status"`
	SettlementReference string    `json:"settlement_reference"`
	TipID               string    `json:"tip_id,omitempty"`
	Amount              int64     `json:"amount"`
	Token               string    `json:"token"`
	Reason              string    `json:"reason"`
	BlockNumber         uint64    `json:"block_number,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// TipLifecycleEvent is the payload published by the tipping-service itself when
// a tip changes state, for downstream consumers (notifications, analytics).
type TipLifecycleEvent struct {
	TipID               string    `json:"tip_id"`
	JarID               string    `json:"jar_id"`
	Status              string    `json:"status"`
	Amount              int64     `json:"amount"`
	SettlementReference string    `json:"settlement_reference,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}
