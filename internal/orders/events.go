package orders

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventOrderStatusChanged = "OrderStatusChanged"
	EventReleaseFailed      = "StockReleaseFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`                  // payload spesifik
}

// ---- Payload tipe per event ----

type StatusChangedPayload struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	BranchID  string    `json:"branch_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p StatusChangedPayload) Change() StatusChange {
	return StatusChange{OrderID: p.OrderID, UserID: p.UserID, BranchID: p.BranchID, From: p.From, To: p.To, UpdatedAt: p.UpdatedAt}
}

func NewStatusChangedPayload(c StatusChange) StatusChangedPayload {
	return StatusChangedPayload{OrderID: c.OrderID, UserID: c.UserID, BranchID: c.BranchID, From: c.From, To: c.To, UpdatedAt: c.UpdatedAt}
}

type ReleaseFailedPayload struct {
	OrderID string         `json:"order_id"`
	Items   []StockRequest `json:"items"`
	Reason  string         `json:"reason"`
}

// DecodeEnvelope parses an event and checks the fields every consumer relies on.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, &Error{Kind: KindMalformed, Msg: "decode envelope", Err: err}
	}
	if env.EventID == "" || env.EventType == "" || len(env.Payload) == 0 {
		return Envelope{}, Malformed("envelope", string(b))
	}
	return env, nil
}

// DecodePayload decodes the envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, &Error{Kind: KindMalformed, Msg: fmt.Sprintf("decode %s payload", env.EventType), Err: err}
	}
	return t, nil
}
