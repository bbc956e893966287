package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestBroadcastIDWireForms(t *testing.T) {
	assert := assert.New(t)

	// Case 0: numeric identifier
	{
		var id BroadcastID
		assert.Nil(json.Unmarshal([]byte(`7`), &id))
		assert.Equal(BroadcastID("7"), id)
		out, err := json.Marshal(id)
		assert.Nil(err)
		assert.Equal(`7`, string(out))
	}

	// Case 1: string identifier
	{
		var id BroadcastID
		assert.Nil(json.Unmarshal([]byte(`"bc-17"`), &id))
		assert.Equal(BroadcastID("bc-17"), id)
		out, err := json.Marshal(id)
		assert.Nil(err)
		assert.Equal(`"bc-17"`, string(out))
	}

	// Case 2: neither
	{
		var id BroadcastID
		assert.NotNil(json.Unmarshal([]byte(`{"a":1}`), &id))
		assert.NotNil(json.Unmarshal([]byte(`true`), &id))
	}
}

func TestBroadcastRecordClone(t *testing.T) {
	assert := assert.New(t)

	original := BroadcastRecord{
		ID:           "1",
		Message:      "Evacuate",
		Translations: map[string]string{"hi": "निकासी", "es": "Evacuar"},
		Location:     "Hall A",
		Emergency:    true,
		Timestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	cloned := original.Clone()
	cloned.Translations["fr"] = "Évacuer"
	assert.Len(original.Translations, 2)
	assert.Equal([]string{"es", "hi"}, original.Languages())
	assert.Equal([]string{"es", "fr", "hi"}, cloned.Languages())
}

func TestCredentialStringHidesToken(t *testing.T) {
	assert := assert.New(t)
	cred := Credential{Identity: "listener-42", Token: "super-secret", IssuedAt: time.Now()}
	assert.NotContains(cred.String(), "super-secret")
	assert.Contains(cred.String(), "listener-42")
}

func TestValidateChannelName(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	assert.Nil(ValidateChannelName("EMERGENCY_ALERTS", validate))
	assert.Nil(ValidateChannelName("alerts.region-1", validate))
	assert.NotNil(ValidateChannelName("", validate))
	assert.NotNil(ValidateChannelName("alerts.*", validate))
	assert.NotNil(ValidateChannelName("alerts.>", validate))
	assert.NotNil(ValidateChannelName("two words", validate))
	assert.NotNil(ValidateChannelName("alerts..x", validate))
	assert.NotNil(ValidateChannelName(".alerts", validate))
	assert.NotNil(ValidateChannelName("निकासी", validate))
}
