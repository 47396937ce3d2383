package session

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmdb/internal/protocol"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error) {
	if req.Op == protocol.OpHello {
		sess.SetState(StateReady)
		sess.SetAuthenticated(true) // test harness treats HELLO as sufficient
		return protocol.OKResponse(req.ID, map[string]string{"ok": "hello"})
	}
	if req.Op == protocol.OpBye {
		sess.RequestClose()
		return protocol.OKResponse(req.ID, map[string]string{"ok": "bye"})
	}
	return protocol.OKResponse(req.ID, map[string]string{"echo": string(req.Op)})
}

func TestSession_HelloMustBeFirst(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sess := New(server, echoHandler{}, Limits{MaxIDLen: 256})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { sess.Serve(ctx); close(done) }()

	req := protocol.Request{Type: protocol.TypeRequest, ID: "1", Op: protocol.OpPing}
	sendBinaryRequest(t, client, req)

	resp := readBinaryResponse(t, client)
	assert.Equal(t, protocol.StatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BAD_REQUEST", string(resp.Error.Code))
}

func TestSession_HelloThenPingSucceeds(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sess := New(server, echoHandler{}, Limits{MaxIDLen: 256})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Serve(ctx)

	sendBinaryRequest(t, client, protocol.Request{Type: protocol.TypeRequest, ID: "1", Op: protocol.OpHello})
	hello := readBinaryResponse(t, client)
	assert.Equal(t, protocol.StatusOK, hello.Status)

	sendBinaryRequest(t, client, protocol.Request{Type: protocol.TypeRequest, ID: "2", Op: protocol.OpPing})
	pong := readBinaryResponse(t, client)
	assert.Equal(t, protocol.StatusOK, pong.Status)
	assert.Equal(t, "2", pong.ID)
}

func sendBinaryRequest(t *testing.T, conn net.Conn, req protocol.Request) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, data, 0))
}

func readBinaryResponse(t *testing.T, conn net.Conn) *protocol.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.Decode(conn)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	return &resp
}
