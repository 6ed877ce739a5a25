package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

func dialTestServer(t *testing.T) (*Server, *httptest.Server, func() ([]byte, error), func([]byte) error) {
	t.Helper()
	s := NewServer(WithLogger(logx.NopLogger{}))
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.Close() })

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	read := func() ([]byte, error) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		return wsutil.ReadServerText(conn)
	}
	write := func(data []byte) error {
		return wsutil.WriteClientText(conn, data)
	}
	return s, ts, read, write
}

func TestRequestReplyOverWebSocket(t *testing.T) {
	s, _, read, write := dialTestServer(t)
	s.SetMessageHandler(func(_ context.Context, message []byte) []byte {
		req, err := protocol.ParseRequest(message)
		if err != nil {
			return nil
		}
		data, _ := json.Marshal(protocol.NewSuccessResponse(req.ID, "pong"))
		return data
	})

	require.NoError(t, write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	frame, err := read()
	require.NoError(t, err)
	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &reply))
	assert.Equal(t, float64(1), reply["id"])
	assert.Equal(t, "pong", reply["result"])
}

func TestNotificationGetsNoReply(t *testing.T) {
	s, _, read, write := dialTestServer(t)
	s.SetMessageHandler(func(context.Context, []byte) []byte { return nil })

	require.NoError(t, write([]byte(`{"jsonrpc":"2.0","method":"notifications/x"}`)))

	_, err := read()
	assert.Error(t, err, "no frame should arrive for a notification")
}

func TestHandlerContextOutlivesUpgradeRequest(t *testing.T) {
	s, _, read, write := dialTestServer(t)
	s.SetMessageHandler(func(ctx context.Context, _ []byte) []byte {
		if err := ctx.Err(); err != nil {
			return []byte(`{"ctxErr":"` + err.Error() + `"}`)
		}
		return []byte(`{"ctxErr":""}`)
	})

	require.NoError(t, write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	frame, err := read()
	require.NoError(t, err)
	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &reply))
	assert.Equal(t, "", reply["ctxErr"], "dispatch context must not be cancelled while the connection lives")
}

func TestBroadcastReachesConnection(t *testing.T) {
	s, _, read, _ := dialTestServer(t)

	// The connection registers asynchronously after the upgrade.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	note, _ := json.Marshal(protocol.NewNotification(protocol.MethodNotifyProgress, nil))
	s.Broadcast(note)

	frame, err := read()
	require.NoError(t, err)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, protocol.MethodNotifyProgress, envelope["method"])
}
