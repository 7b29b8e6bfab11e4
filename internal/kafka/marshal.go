package kafka

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// NewEnvelope wraps payload in a version 1 envelope with a fresh event id.
func NewEnvelope(eventType, producer, correlationID string, payload any) (orders.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return orders.Envelope{}, err
	}
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// EnvelopeHeaders are the routing headers sent with every envelope.
func EnvelopeHeaders(env orders.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	}
}

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
