package jsoncodec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reservation struct {
	Ref       string    `json:"ref"`
	Quantity  int       `json:"quantity,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	internal  string
}

func TestMarshalHonoursTags(t *testing.T) {
	in := reservation{Ref: "r-1", ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), internal: "x"}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ref":"r-1","expires_at":"2026-01-02T03:04:05Z"}`, string(data))

	var out reservation
	require.NoError(t, Unmarshal(data, &out))
	in.internal = ""
	assert.Equal(t, in, out)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out reservation
	assert.Error(t, Unmarshal([]byte(`{"ref":`), &out))
	assert.True(t, Valid([]byte(`{"ref":"r"}`)))
	assert.False(t, Valid([]byte(`{"ref":`)))
}

func TestEncodeAndDecode(t *testing.T) {
	var buf bytes.Buffer
	in := reservation{Ref: "stream", Quantity: 7}
	require.NoError(t, Encode(&buf, in))

	var out reservation
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, in, out)
}
