package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Equal(t, "tools/list", req.Method)
	assert.False(t, req.IsNotification())

	_, err = ParseRequest([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseRequestNotification(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	require.NoError(t, err)
	assert.True(t, req.IsNotification())
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse(nil, ErrorCodeParseError, "Parse error", nil)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.Contains(t, decoded, "id")
	assert.Nil(t, decoded["id"])
	errObj := decoded["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrorCodeParseError), errObj["code"])
}

func TestSuccessResponseRoundTrip(t *testing.T) {
	resp := NewSuccessResponse(float64(7), map[string]string{"ok": "yes"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"ok":"yes"}}`, string(data))
}
