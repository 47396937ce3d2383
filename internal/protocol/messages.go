package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"fsmdb/internal/fsmerr"
)

// Op is one of the 21 recognized operations.
type Op string

const (
	OpHello  Op = "HELLO"
	OpAuth   Op = "AUTH"
	OpPing   Op = "PING"
	OpBye    Op = "BYE"
	OpInfo   Op = "INFO"

	OpPutMachine   Op = "PUT_MACHINE"
	OpGetMachine   Op = "GET_MACHINE"
	OpListMachines Op = "LIST_MACHINES"

	OpCreateInstance Op = "CREATE_INSTANCE"
	OpGetInstance    Op = "GET_INSTANCE"
	OpListInstances  Op = "LIST_INSTANCES"
	OpDeleteInstance Op = "DELETE_INSTANCE"

	OpApplyEvent Op = "APPLY_EVENT"
	OpBatch      Op = "BATCH"

	OpWatchInstance Op = "WATCH_INSTANCE"
	OpWatchAll      Op = "WATCH_ALL"
	OpUnwatch       Op = "UNWATCH"

	OpSnapshotInstance Op = "SNAPSHOT_INSTANCE"
	OpWALRead          Op = "WAL_READ"
	OpWALStats         Op = "WAL_STATS"
	OpCompact          Op = "COMPACT"
)

// preAuthOps is the always-allowed set, valid before/without AUTH.
var preAuthOps = map[Op]bool{
	OpHello: true, OpAuth: true, OpPing: true, OpBye: true,
}

// AllowedBeforeAuth reports whether op may run without prior AUTH.
func AllowedBeforeAuth(op Op) bool {
	return preAuthOps[op]
}

// MessageType distinguishes the three envelope kinds by "type" field.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Status is the response outcome discriminator.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is a client-issued request envelope.
type Request struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload is the error shape inside a Response.
type ErrorPayload struct {
	Code      fsmerr.Code            `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Response is a server reply envelope, matched to its Request by ID.
type Response struct {
	Type   MessageType            `json:"type"`
	ID     string                 `json:"id"`
	Status Status                 `json:"status"`
	Result json.RawMessage        `json:"result,omitempty"`
	Error  *ErrorPayload          `json:"error,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// Event is a pushed subscription notification.
type Event struct {
	Type           MessageType            `json:"type"`
	SubscriptionID string                 `json:"subscription_id"`
	InstanceID     string                 `json:"instance_id"`
	Machine        string                 `json:"machine"`
	Version        int                    `json:"version"`
	EventName      string                 `json:"event"`
	FromState      string                 `json:"from_state"`
	ToState        string                 `json:"to_state"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Ctx            map[string]interface{} `json:"ctx,omitempty"`
	WALOffset      uint64                 `json:"wal_offset"`
}

// OKResponse builds a successful response envelope.
func OKResponse(id string, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{Type: TypeResponse, ID: id, Status: StatusOK, Result: raw}, nil
}

// ErrResponse builds an error response envelope from a classified error.
func ErrResponse(id string, err error) *Response {
	fe, ok := err.(*fsmerr.Error)
	if !ok {
		fe = &fsmerr.Error{Code: fsmerr.InternalError, Message: err.Error()}
	}
	return &Response{
		Type:   TypeResponse,
		ID:     id,
		Status: StatusError,
		Error: &ErrorPayload{
			Code:      fe.Code,
			Message:   fe.Message,
			Retryable: fsmerr.Retryable(fe.Code),
			Details:   fe.Details,
		},
	}
}

// MaxRequestIDLen bounds the request id field (≤256 bytes).
const MaxRequestIDLen = 256

// ValidateRequest performs envelope-level validation ahead of dispatch.
func ValidateRequest(req *Request) error {
	if req.Type != TypeRequest {
		return fsmerr.New(fsmerr.BadRequest, fmt.Sprintf("unexpected message type %q", req.Type))
	}
	if req.ID == "" || len(req.ID) > MaxRequestIDLen {
		return fsmerr.New(fsmerr.BadRequest, "request id must be 1-256 bytes")
	}
	if req.Op == "" {
		return fsmerr.New(fsmerr.BadRequest, "missing op")
	}
	return nil
}

// WireMode selects between binary RCPX framing and JSONL.
type WireMode string

const (
	WireModeBinaryJSON WireMode = "binary_json"
	WireModeJSONL      WireMode = "jsonl"
)

// NegotiateWireMode picks the first client-preferred mode the server
// supports, defaulting to binary_json.
func NegotiateWireMode(clientPreference []string) WireMode {
	supported := map[string]WireMode{
		string(WireModeBinaryJSON): WireModeBinaryJSON,
		string(WireModeJSONL):      WireModeJSONL,
	}
	for _, pref := range clientPreference {
		if mode, ok := supported[pref]; ok {
			return mode
		}
	}
	return WireModeBinaryJSON
}

// JSONLReader reads newline-delimited JSON messages, max 16 MiB per line.
type JSONLReader struct {
	scanner *bufio.Scanner
}

// NewJSONLReader wraps r for JSONL decoding.
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxPayloadLen)
	return &JSONLReader{scanner: scanner}
}

// ReadMessage returns the next line's raw JSON bytes.
func (jr *JSONLReader) ReadMessage() ([]byte, error) {
	if !jr.scanner.Scan() {
		if err := jr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := jr.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// WriteJSONLMessage writes v as one JSONL line.
func WriteJSONLMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
