package integration

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fsmdb/internal/broadcast"
	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
	"fsmdb/internal/server"
	"fsmdb/internal/session"
	"fsmdb/internal/session/rclient"
	"fsmdb/internal/wal"
)

const orderMachineJSON = `{
	"initial_state": "created",
	"states": ["created", "paid", "shipped", "cancelled"],
	"transitions": [
		{"from": "created", "event": "PAY", "to": "paid"},
		{"from": "paid", "event": "SHIP", "to": "shipped"},
		{"from": "created", "event": "CANCEL", "to": "cancelled"}
	]
}`

// IntegrationTestSuite runs fsmctl's client against a real fsmdbd-shaped
// server (engine + hub + compactor + RCPX listener) over loopback TCP.
type IntegrationTestSuite struct {
	suite.Suite
	engine   *fsm.Engine
	listener net.Listener
	cancel   context.CancelFunc
	client   *rclient.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	e, _, err := fsm.NewEngine(fsm.EngineConfig{
		WAL:     wal.Config{DataDir: s.T().TempDir(), SegmentSizeMB: 4, Sync: wal.SyncEveryWrite{}},
		DataDir: s.T().TempDir(),
	})
	s.Require().NoError(err)
	s.engine = e

	hub := broadcast.NewHub(e.WALManager())
	compactor := compaction.New(e, compaction.Config{}, nil)
	handler := &server.Handler{Engine: e, Hub: hub, Compactor: compactor, Version: 1}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
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

	c, err := rclient.Dial(rclient.Config{Addr: listener.Addr().String()})
	s.Require().NoError(err)
	s.client = c
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	s.cancel()
	s.listener.Close()
	s.engine.Close()
}

func (s *IntegrationTestSuite) SetupTest() {
	_, err := s.client.PutMachine("order", 1, json.RawMessage(orderMachineJSON))
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TestCreateInstanceStartsAtInitialState() {
	result, err := s.client.CreateInstance("order-create-1", "order", 1, nil)
	s.Require().NoError(err)

	var inst struct {
		State string `json:"state"`
	}
	s.Require().NoError(json.Unmarshal(result, &inst))
	s.Equal("created", inst.State)
}

func (s *IntegrationTestSuite) TestApplyEventSequenceWalksTransitions() {
	_, err := s.client.CreateInstance("order-seq-1", "order", 1, nil)
	s.Require().NoError(err)

	result, err := s.client.ApplyEvent("order-seq-1", "PAY", nil, "")
	s.Require().NoError(err)
	var applied struct {
		ToState string `json:"to_state"`
	}
	s.Require().NoError(json.Unmarshal(result, &applied))
	s.Equal("paid", applied.ToState)

	result, err = s.client.ApplyEvent("order-seq-1", "SHIP", nil, "")
	s.Require().NoError(err)
	s.Require().NoError(json.Unmarshal(result, &applied))
	s.Equal("shipped", applied.ToState)
}

func (s *IntegrationTestSuite) TestApplyEventInvalidTransitionFails() {
	_, err := s.client.CreateInstance("order-invalid-1", "order", 1, nil)
	s.Require().NoError(err)

	_, err = s.client.ApplyEvent("order-invalid-1", "SHIP", nil, "")
	s.Error(err)
}

func (s *IntegrationTestSuite) TestApplyEventIsIdempotent() {
	_, err := s.client.CreateInstance("order-idem-1", "order", 1, nil)
	s.Require().NoError(err)

	first, err := s.client.ApplyEvent("order-idem-1", "PAY", nil, "pay-once")
	s.Require().NoError(err)
	second, err := s.client.ApplyEvent("order-idem-1", "PAY", nil, "pay-once")
	s.Require().NoError(err)
	s.JSONEq(string(first), string(second))
}

func (s *IntegrationTestSuite) TestWatchInstanceDeliversAppliedEvent() {
	_, err := s.client.CreateInstance("order-watch-1", "order", 1, nil)
	s.Require().NoError(err)

	watcher, err := rclient.Dial(rclient.Config{Addr: s.listener.Addr().String()})
	s.Require().NoError(err)
	defer watcher.Close()

	_, events, err := watcher.WatchInstance("order-watch-1")
	s.Require().NoError(err)

	_, err = s.client.ApplyEvent("order-watch-1", "PAY", nil, "")
	s.Require().NoError(err)

	select {
	case evt, ok := <-events:
		s.Require().True(ok)
		s.Contains(string(evt), "order-watch-1")
	case <-time.After(2 * time.Second):
		s.Fail("timed out waiting for watch event")
	}
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
