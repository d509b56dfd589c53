package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/types"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  Version,
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"starlark": true},
			},
		},
		{
			name:    "encode call message",
			msgType: MessageTypeCall,
			data:    procedure.Call{CallID: 7, Inner: procedure.SendCommand("say hi"), CausedBy: types.CausedBySystem()},
		},
		{
			name:    "encode op message",
			msgType: MessageTypeOp,
			data:    &OpMessage{ID: 1, Name: "emit_console_out", Args: map[string]any{"line": "hi"}},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "completed", CallsTotal: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("CMD"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncoder_ConcurrentWritesStayOnOneLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = enc.EncodeOp(&OpMessage{ID: uint64(i), Name: "log", Args: map[string]any{"message": strings.Repeat("x", 512)}})
		}(i)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("interleaved output: %v", err)
		}
		if msg.Type != MessageTypeOp {
			t.Fatalf("type = %s", msg.Type)
		}
		count++
	}
	if count != 50 {
		t.Errorf("decoded %d messages, want 50", count)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1","platform":"linux","arch":"amd64","pid":1234,"capabilities":{"starlark":true}}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode result message",
			input:   `{"type":"RESULT","timestamp":"2024-01-01T00:00:00Z","data":{"call_id":3,"inner":{"type":"num","num":4}}}`,
			msgType: MessageTypeResult,
		},
		{
			name:    "unknown type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecodeInit(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		kind    WorkerKind
	}{
		{
			name:  "macro",
			input: `{"type":"INIT","timestamp":"2024-01-01T00:00:00Z","data":{"kind":"macro","name":"backup","script":"/m/backup.star","ops":[{"name":"log","params":["message","level?"]}]}}`,
			kind:  WorkerKindMacro,
		},
		{
			name:  "instance",
			input: `{"type":"INIT","timestamp":"2024-01-01T00:00:00Z","data":{"kind":"instance","name":"lobby","script":"/srv/main.star","ops":[]}}`,
			kind:  WorkerKindInstance,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"CALL","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing script",
			input:   `{"type":"INIT","timestamp":"2024-01-01T00:00:00Z","data":{"kind":"macro"}}`,
			wantErr: true,
		},
		{
			name:    "bad kind",
			input:   `{"type":"INIT","timestamp":"2024-01-01T00:00:00Z","data":{"kind":"daemon","script":"x.star"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			init, err := dec.DecodeInit()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeInit() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && init.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", init.Kind, tt.kind)
			}
		})
	}
}

func TestOpResult_CarriesFailure(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeOpResult(&OpResultMessage{ID: 9, Error: &procedure.Failure{Kind: "not_found", Message: "no op"}}); err != nil {
		t.Fatal(err)
	}

	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatal(err)
	}
	var res OpResultMessage
	if err := ParseData(msg.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.ID != 9 || res.Error == nil || res.Error.Kind != "not_found" {
		t.Errorf("decoded %+v", res)
	}
}
