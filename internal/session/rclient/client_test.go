package rclient

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"fsmdb/internal/broadcast"
	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
	"fsmdb/internal/server"
	"fsmdb/internal/session"
	"fsmdb/internal/wal"
)

const orderMachineJSON = `{
	"initial_state": "created",
	"states": ["created", "paid"],
	"transitions": [{"from": "created", "event": "PAY", "to": "paid"}]
}`

// startTestServer boots a real session/server pair on a loopback
// listener so rclient can be exercised end to end.
func startTestServer(t *testing.T) string {
	t.Helper()
	e, _, err := fsm.NewEngine(fsm.EngineConfig{
		WAL:     wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}},
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	hub := broadcast.NewHub(e.WALManager())
	c := compaction.New(e, compaction.Config{}, nil)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	handler := &server.Handler{Engine: e, Hub: hub, Compactor: c, Version: 1}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			sess := session.New(conn, handler, session.Limits{})
			go sess.Serve(ctx)
		}
	}()

	return listener.Addr().String()
}

func TestClient_PutMachineCreateInstanceApplyEvent(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(Config{Addr: addr})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.PutMachine("order", 1, json.RawMessage(orderMachineJSON))
	require.NoError(t, err)

	result, err := c.CreateInstance("order-1", "order", 1, nil)
	require.NoError(t, err)
	var inst struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(result, &inst))
	require.Equal(t, "created", inst.State)

	result, err = c.ApplyEvent("order-1", "PAY", map[string]interface{}{"amt": 5}, "")
	require.NoError(t, err)
	var applied struct {
		ToState string `json:"to_state"`
	}
	require.NoError(t, json.Unmarshal(result, &applied))
	require.Equal(t, "paid", applied.ToState)
}

func TestClient_GetInstanceNotFoundReturnsError(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(Config{Addr: addr})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetInstance("missing")
	require.Error(t, err)
}

func TestClient_WALStatsAndCompact(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(Config{Addr: addr})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.WALStats()
	require.NoError(t, err)

	_, err = c.Compact(false)
	require.NoError(t, err)
}
