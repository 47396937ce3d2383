// Package rclient is a synchronous RCPX client: one request in
// flight at a time, matched to its response by id. Grounded on the
// teacher's internal/api/client (Client wraps a connection plus
// config, one typed method per remote operation, a private
// doRequest/do helper underneath), adapted from HTTP request/response
// bodies to binary RCPX frames over a raw TCP connection.
package rclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fsmdb/internal/protocol"
)

// Config configures a new Client.
type Config struct {
	Addr    string
	Token   string // optional bearer token sent via AUTH after HELLO
	Timeout time.Duration
}

// Client is a single RCPX connection to fsmdbd.
type Client struct {
	conn    net.Conn
	writer  *bufio.Writer
	mu      sync.Mutex
	nextID  uint64
	timeout time.Duration
}

// Dial opens a connection, performs HELLO (and AUTH, if cfg.Token is
// set), and returns a ready Client.
func Dial(cfg Config) (*Client, error) {
	conn, err := net.DialTimeout("tcp", cfg.Addr, dialTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("rclient: dial %s: %w", cfg.Addr, err)
	}
	c := &Client{conn: conn, writer: bufio.NewWriter(conn), timeout: cfg.Timeout}

	if _, err := c.do(protocol.OpHello, map[string]interface{}{
		"version": 1, "wire_modes": []string{"binary_json"},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rclient: hello: %w", err)
	}

	if cfg.Token != "" {
		if _, err := c.do(protocol.OpAuth, map[string]interface{}{
			"method": "bearer", "token": cfg.Token,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rclient: auth: %w", err)
		}
	}
	return c, nil
}

func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Close sends BYE and closes the underlying connection.
func (c *Client) Close() error {
	c.do(protocol.OpBye, nil)
	return c.conn.Close()
}

func (c *Client) nextRequestID() string {
	return fmt.Sprintf("fsmctl-%d", atomic.AddUint64(&c.nextID, 1))
}

// do sends one request and blocks for its matching response. Callers
// never pipeline: fsmctl issues one operation at a time.
func (c *Client) do(op protocol.Op, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextRequestID()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("rclient: marshal params: %w", err)
		}
	}
	req := protocol.Request{Type: protocol.TypeRequest, ID: id, Op: op, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rclient: marshal request: %w", err)
	}
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := protocol.Encode(c.writer, body, 0); err != nil {
		return nil, fmt.Errorf("rclient: write request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("rclient: flush: %w", err)
	}

	for {
		frame, err := protocol.Decode(c.conn)
		if err != nil {
			return nil, fmt.Errorf("rclient: read response: %w", err)
		}
		var resp protocol.Response
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return nil, fmt.Errorf("rclient: decode response: %w", err)
		}
		if resp.Type == protocol.TypeEvent || resp.ID != id {
			// a stray pushed event, or a response to an earlier BYE; keep reading
			continue
		}
		if resp.Status == protocol.StatusError {
			return nil, fmt.Errorf("rclient: %s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// PutMachine registers a machine definition.
func (c *Client) PutMachine(name string, version int, definition json.RawMessage) (json.RawMessage, error) {
	return c.do(protocol.OpPutMachine, map[string]interface{}{
		"name": name, "version": version, "definition": definition,
	})
}

// GetInstance fetches one instance's current state.
func (c *Client) GetInstance(id string) (json.RawMessage, error) {
	return c.do(protocol.OpGetInstance, map[string]interface{}{"id": id})
}

// CreateInstance starts a new instance.
func (c *Client) CreateInstance(id, machine string, version int, initialCtx map[string]interface{}) (json.RawMessage, error) {
	return c.do(protocol.OpCreateInstance, map[string]interface{}{
		"id": id, "machine": machine, "version": version, "initial_ctx": initialCtx,
	})
}

// ApplyEvent applies an event to an instance.
func (c *Client) ApplyEvent(instanceID, event string, payload map[string]interface{}, idempotencyKey string) (json.RawMessage, error) {
	return c.do(protocol.OpApplyEvent, map[string]interface{}{
		"instance_id": instanceID, "event": event, "payload": payload, "idempotency_key": idempotencyKey,
	})
}

// WALStats fetches the server's WAL statistics.
func (c *Client) WALStats() (json.RawMessage, error) {
	return c.do(protocol.OpWALStats, nil)
}

// Compact triggers a manual compaction run. force re-snapshots every
// live instance regardless of whether it changed since its last
// snapshot.
func (c *Client) Compact(force bool) (json.RawMessage, error) {
	return c.do(protocol.OpCompact, map[string]interface{}{"force_snapshot": force})
}

// WatchInstance subscribes to one instance's events and returns the
// subscription id plus a channel of raw event frames; the channel is
// closed when the connection is closed. After calling WatchInstance,
// the connection is dedicated to that event stream: no further do()
// calls should be issued on the same Client.
func (c *Client) WatchInstance(instanceID string) (string, <-chan json.RawMessage, error) {
	result, err := c.do(protocol.OpWatchInstance, map[string]interface{}{"instance_id": instanceID})
	if err != nil {
		return "", nil, err
	}
	var ack struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return "", nil, fmt.Errorf("rclient: decode watch ack: %w", err)
	}

	events := make(chan json.RawMessage, 16)
	go c.pumpEvents(events)
	return ack.SubscriptionID, events, nil
}

// pumpEvents reads frames off the connection after a WATCH_* call and
// forwards event payloads to ch, since the connection is now dedicated
// to delivering that subscription's stream.
func (c *Client) pumpEvents(ch chan<- json.RawMessage) {
	defer close(ch)
	for {
		frame, err := protocol.Decode(c.conn)
		if err != nil {
			return
		}
		var envelope struct {
			Type protocol.MessageType `json:"type"`
		}
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			continue
		}
		if envelope.Type != protocol.TypeEvent {
			continue
		}
		ch <- frame.Payload
	}
}
