package wsrelay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSURLSchemes(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"http://relay.local:9000", "ws"},
		{"https://relay.example.com", "wss"},
		{"ws://relay.local:9000", "ws"},
		{"wss://relay.example.com", "wss"},
	}
	for _, tc := range testCases {
		u, err := wsURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, u.Scheme, tc.in)
	}

	_, err := wsURL("ftp://relay.local")
	assert.Error(t, err)
}

func TestReasonDecoding(t *testing.T) {
	raw, _ := json.Marshal("id_taken")
	assert.Equal(t, "id_taken", reason(raw))
	assert.Equal(t, "not json", reason(json.RawMessage("not json")))
}
