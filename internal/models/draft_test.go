package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadUnmarshalKeepsFieldOrder(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"zeta":1,"alpha":{"b":2},"mid":null}`), &p))

	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":{"b":2},"mid":null}`, string(out))
}

func TestPayloadUnmarshalRejectsDuplicateFields(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"a":1,"b":2,"a":3}`), &p)
	assert.ErrorIs(t, err, ErrDuplicateField)
	assert.ErrorContains(t, err, "a")

	// Nested objects are raw values and may repeat outer names
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"a":1}}`), &p))
	assert.Len(t, p, 1)
}

func TestPayloadUnmarshalRejectsNonObjects(t *testing.T) {
	var p Payload
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))

	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Nil(t, p)
}

func TestPayloadSetReplacesInPlace(t *testing.T) {
	var p Payload
	p, err := p.Set("barcode", "C-1")
	require.NoError(t, err)
	p, err = p.Set("passage", 2)
	require.NoError(t, err)
	p, err = p.Set("barcode", "C-2")
	require.NoError(t, err)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"barcode":"C-2","passage":2}`, string(out))
}
