package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/warden/pkg/procedure"
)

// Encoder writes protocol messages to an io.Writer. It is safe for concurrent use;
// each message is written as one line.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeInit sends an INIT message.
func (e *Encoder) EncodeInit(init *InitMessage) error {
	if err := init.Validate(); err != nil {
		return fmt.Errorf("invalid init: %w", err)
	}
	return e.Encode(MessageTypeInit, init)
}

// EncodeCall sends a CALL message.
func (e *Encoder) EncodeCall(call procedure.Call) error {
	return e.Encode(MessageTypeCall, call)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(result procedure.Result) error {
	return e.Encode(MessageTypeResult, result)
}

// EncodeOp sends an OP message.
func (e *Encoder) EncodeOp(op *OpMessage) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid op: %w", err)
	}
	return e.Encode(MessageTypeOp, op)
}

// EncodeOpResult sends an OP_RESULT message.
func (e *Encoder) EncodeOpResult(res *OpResultMessage) error {
	return e.Encode(MessageTypeOpResult, res)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Set a large buffer for potentially large setup payloads
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeInit decodes an INIT message.
func (d *Decoder) DecodeInit() (*InitMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type != MessageTypeInit {
		return nil, fmt.Errorf("expected INIT message, got %s", msg.Type)
	}

	var init InitMessage
	if err := ParseData(msg.Data, &init); err != nil {
		return nil, err
	}
	if err := init.Validate(); err != nil {
		return nil, fmt.Errorf("invalid init: %w", err)
	}
	return &init, nil
}

// ParseData parses a message payload into a specific type. Untyped numbers decode
// as json.Number so integers survive the round trip.
func ParseData(data json.RawMessage, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
