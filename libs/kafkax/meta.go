package kafkax

import (
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Canonical header keys carried on every event record so consumers and
// tooling can inspect events without deserializing the payload.
const (
	HeaderEventType = "EventType"
	HeaderEventID   = "EventId"
	HeaderTimestamp = "Timestamp"
)

// EventMeta is the metadata extracted from an event record's headers.
type EventMeta struct {
	EventID   string
	EventType string
	Timestamp time.Time
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, HeaderEventID),
		EventType: HeaderValue(msg.Headers, HeaderEventType),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	if raw := HeaderValue(msg.Headers, HeaderTimestamp); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			meta.Timestamp = ts
		}
	}
	return meta
}

func EventHeaders(eventID, eventType string, occurredAt time.Time) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderEventID, Value: []byte(eventID)},
		{Key: HeaderTimestamp, Value: []byte(occurredAt.UTC().Format(time.RFC3339Nano))},
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
