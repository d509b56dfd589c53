// Package protocol defines the JSON-over-stdio protocol spoken between the warden
// daemon and a warden-runner subprocess.
//
// The runner announces itself with READY. The daemon answers with INIT, naming the
// script to run and the ops it may call. From then on both sides talk concurrently:
// the daemon sends CALLs and the runner answers with RESULTs; the runner sends OPs
// and the daemon answers with OP_RESULTs. EXIT is the runner's last message.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/warden/pkg/procedure"
)

// Version is the protocol revision both sides must agree on.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to be initialized
	MessageTypeReady MessageType = "READY"
	// MessageTypeInit tells the runner what to run
	MessageTypeInit MessageType = "INIT"
	// MessageTypeCall carries a procedure call to the runner
	MessageTypeCall MessageType = "CALL"
	// MessageTypeResult answers a CALL
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeOp is an op invocation from the runner
	MessageTypeOp MessageType = "OP"
	// MessageTypeOpResult answers an OP
	MessageTypeOpResult MessageType = "OP_RESULT"
	// MessageTypeError reports a fatal protocol error
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// WorkerKind says how the runner should drive its script.
type WorkerKind string

const (
	// WorkerKindMacro runs the script top to bottom, then exits.
	WorkerKindMacro WorkerKind = "macro"
	// WorkerKindInstance loads the script and serves CALLs until stdin closes.
	WorkerKindInstance WorkerKind = "instance"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner has started.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InitMessage tells the runner which script to run and which ops exist.
type InitMessage struct {
	Kind   WorkerKind         `json:"kind"`
	Name   string             `json:"name"`
	Script string             `json:"script"`
	Dir    string             `json:"dir,omitempty"`
	Args   []string           `json:"args,omitempty"`
	Ops    []procedure.OpSpec `json:"ops"`
}

// OpMessage is an op invocation from the runner.
type OpMessage struct {
	ID   uint64         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// OpResultMessage answers an OpMessage.
type OpResultMessage struct {
	ID    uint64             `json:"id"`
	Value any                `json:"value,omitempty"`
	Error *procedure.Failure `json:"error,omitempty"`
}

// ErrorMessage reports a fatal error.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason     string `json:"reason"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	CallsTotal int    `json:"calls_total"`
	OpsTotal   int    `json:"ops_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeInit, MessageTypeCall, MessageTypeResult,
		MessageTypeOp, MessageTypeOpResult, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the worker kind is valid.
func (k WorkerKind) Validate() error {
	switch k {
	case WorkerKindMacro, WorkerKindInstance:
		return nil
	default:
		return fmt.Errorf("invalid worker kind: %s", k)
	}
}

// Validate checks if the init message is valid.
func (m *InitMessage) Validate() error {
	if err := m.Kind.Validate(); err != nil {
		return err
	}
	if m.Script == "" {
		return fmt.Errorf("script is required")
	}
	return nil
}

// Validate checks if the op message is valid.
func (m *OpMessage) Validate() error {
	if m.ID == 0 {
		return fmt.Errorf("op ID is required")
	}
	if m.Name == "" {
		return fmt.Errorf("op name is required")
	}
	return nil
}
