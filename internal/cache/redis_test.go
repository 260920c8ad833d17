package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsScopedToUser(t *testing.T) {
	assert.Equal(t, "idem:v2:user-1:abc", Key("user-1", "abc"))
	assert.NotEqual(t, Key("user-1", "abc"), Key("user-2", "abc"))
}

func TestEntryEncoding(t *testing.T) {
	raw, err := encodeEntry("f1", 201, []byte(`{"status":"completed"}`))
	require.NoError(t, err)

	e, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.False(t, e.Pending)
	assert.Equal(t, "f1", e.Fingerprint)
	assert.Equal(t, 201, e.Status)
	assert.JSONEq(t, `{"status":"completed"}`, string(e.Body))
}

func TestPendingEntry(t *testing.T) {
	e, err := decodeEntry(pending + ":f1")
	require.NoError(t, err)
	assert.True(t, e.Pending)
	assert.Equal(t, "f1", e.Fingerprint)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := decodeEntry("{not json")
	assert.Error(t, err)
}
