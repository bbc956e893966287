package common

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// EnvelopeTypeBroadcast is the envelope discriminant of a broadcast payload
const EnvelopeTypeBroadcast = "broadcast"

// BroadcastEnvelope is the channel payload wrapper
type BroadcastEnvelope struct {
	// Type is the payload kind discriminant
	Type string `json:"type"`
	// Data is the kind specific payload
	Data json.RawMessage `json:"data"`
}

// BroadcastID identifier of a broadcast. The wire may carry it as a number or a string.
type BroadcastID string

// UnmarshalJSON accept either a JSON number or a JSON string
func (i *BroadcastID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*i = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = BroadcastID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("broadcast id is neither number nor string: %w", err)
	}
	*i = BroadcastID(n.String())
	return nil
}

// MarshalJSON numeric identifiers are written back as JSON numbers
func (i BroadcastID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(i), 10, 64); err == nil {
		return []byte(i), nil
	}
	return json.Marshal(string(i))
}

// BroadcastRecord one decoded announcement delivered to subscribers
type BroadcastRecord struct {
	// ID is the broadcast identifier
	ID BroadcastID `json:"id" validate:"required"`
	// Message is the message text in the source language
	Message string `json:"message" validate:"required"`
	// Translations maps language code to translated text
	Translations map[string]string `json:"translations"`
	// Location is the origin-location label
	Location string `json:"location"`
	// Emergency whether this is an emergency broadcast
	Emergency bool `json:"emergency"`
	// Timestamp is the creation time, service assigned or client observed
	Timestamp time.Time `json:"timestamp"`
}

// Clone deep copy of the record so holders can not mutate a shared translation map
func (r BroadcastRecord) Clone() BroadcastRecord {
	r.Translations = lo.Assign(map[string]string{}, r.Translations)
	return r
}

// Languages the language codes with a translation, sorted
func (r BroadcastRecord) Languages() []string {
	langs := lo.Keys(r.Translations)
	sort.Strings(langs)
	return langs
}

// String toString function
func (r BroadcastRecord) String() string {
	return fmt.Sprintf(
		"BROADCAST[%s emergency:%t loc:'%s' langs:%v]", r.ID, r.Emergency, r.Location, r.Languages(),
	)
}

// Credential short-lived token authorizing one session login
type Credential struct {
	// Identity is the participant the credential was issued for
	Identity string `json:"identity" validate:"required"`
	// Token is the opaque credential
	Token string `json:"token" validate:"required"`
	// IssuedAt is when the credential was received
	IssuedAt time.Time `json:"issued_at"`
}

// String toString function. The token itself is never printed.
func (c Credential) String() string {
	return fmt.Sprintf("CREDENTIAL[%s @ %s]", c.Identity, c.IssuedAt.Format(time.RFC3339))
}
