package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
)

// ErrMalformedPayload the payload could not be decoded into a broadcast
var ErrMalformedPayload = errors.New("malformed channel payload")

// ErrNotBroadcast the payload is a well formed envelope of another kind
var ErrNotBroadcast = errors.New("channel payload is not a broadcast")

// wireBroadcast broadcast as it appears on the wire
type wireBroadcast struct {
	ID           common.BroadcastID `json:"id"`
	Message      string             `json:"message"`
	Translations map[string]string  `json:"translations"`
	Location     string             `json:"location"`
	Emergency    bool               `json:"emergency"`
	Timestamp    *string            `json:"timestamp"`
}

// timestampLayouts accepted ISO-8601 forms. Zoneless values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp read a service assigned creation time
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// BroadcastDecoder turns raw channel payloads into BroadcastRecords
type BroadcastDecoder struct {
	validate *validator.Validate
}

// NewBroadcastDecoder define a new BroadcastDecoder
func NewBroadcastDecoder() BroadcastDecoder {
	return BroadcastDecoder{validate: validator.New()}
}

// Decode parse a `{type, data}` envelope and extract the broadcast it carries
//
// A broadcast without a readable timestamp is stamped with receivedAt.
func (d BroadcastDecoder) Decode(payload []byte, receivedAt time.Time) (common.BroadcastRecord, error) {
	var envelope common.BroadcastEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return common.BroadcastRecord{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}
	if envelope.Type != common.EnvelopeTypeBroadcast {
		return common.BroadcastRecord{}, fmt.Errorf("%w: type '%s'", ErrNotBroadcast, envelope.Type)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return common.BroadcastRecord{}, fmt.Errorf("%w: no data", ErrMalformedPayload)
	}
	var wire wireBroadcast
	if err := json.Unmarshal(envelope.Data, &wire); err != nil {
		return common.BroadcastRecord{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}

	record := common.BroadcastRecord{
		ID:           wire.ID,
		Message:      wire.Message,
		Translations: map[string]string{},
		Location:     wire.Location,
		Emergency:    wire.Emergency,
		Timestamp:    receivedAt.UTC(),
	}
	for lang, text := range wire.Translations {
		record.Translations[lang] = text
	}
	if wire.Timestamp != nil {
		if ts, ok := parseTimestamp(*wire.Timestamp); ok {
			record.Timestamp = ts
		}
	}
	if err := d.validate.Struct(&record); err != nil {
		return common.BroadcastRecord{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}
	return record, nil
}
