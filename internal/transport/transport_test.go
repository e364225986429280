package transport_test

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/transport"
)

func startTestServer(t *testing.T) (socketPath string, b *bus.Bus) {
	t.Helper()
	b = bus.New()
	socketPath = filepath.Join(t.TempDir(), "ksid.sock")
	srv := transport.New(socketPath, b, nil, 10)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return socketPath, b
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTransport_RoutesRequestThroughBusAndRespondsOnOneLine(t *testing.T) {
	socketPath, b := startTestServer(t)
	_, err := b.RegisterHandler(bus.HandlerEntry{
		EventName: "demo:ping", Module: "test",
		Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"pong": true}, nil
		},
	})
	require.NoError(t, err)

	conn := dial(t, socketPath)
	_, err = conn.Write([]byte(`{"event": "demo:ping", "data": {}, "correlation_id": "c1"}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, true, resp["pong"])
	assert.Equal(t, "c1", resp["correlation_id"])
}

func TestTransport_MalformedJSONDoesNotCloseConnection(t *testing.T) {
	socketPath, _ := startTestServer(t)
	conn := dial(t, socketPath)

	_, err := conn.Write([]byte("not json at all\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "INVALID_JSON", errObj["code"])

	_, err = conn.Write([]byte(`{"event": "demo:missing", "data": {}}` + "\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err, "connection must still be usable after a malformed line")
}

func TestTransport_MissingEventNameReturnsInvalidEvent(t *testing.T) {
	socketPath, _ := startTestServer(t)
	conn := dial(t, socketPath)

	_, err := conn.Write([]byte(`{"data": {}}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "INVALID_EVENT", errObj["code"])
}
