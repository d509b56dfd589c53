package client

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/runner/protocol"
)

// fakeRunner plays the runner side of the handshake.
func fakeRunner(t *testing.T, first func(*protocol.Encoder)) (io.Reader, io.WriteCloser, *protocol.Decoder) {
	t.Helper()
	toDaemon, fromRunner := io.Pipe()
	toRunner, fromDaemon := io.Pipe()
	t.Cleanup(func() {
		_ = fromRunner.Close()
		_ = toRunner.Close()
	})
	go first(protocol.NewEncoder(fromRunner))
	return toDaemon, fromDaemon, protocol.NewDecoder(toRunner)
}

func TestAttach_Handshake(t *testing.T) {
	init := protocol.InitMessage{Kind: protocol.WorkerKindMacro, Name: "m", Script: "m.star"}

	tests := []struct {
		name    string
		first   func(*protocol.Encoder)
		wantErr string
	}{
		{
			name:    "wrong version",
			first:   func(e *protocol.Encoder) { _ = e.EncodeReady(&protocol.ReadyMessage{Version: "0"}) },
			wantErr: "speaks protocol 0",
		},
		{
			name:    "not ready",
			first:   func(e *protocol.Encoder) { _ = e.EncodeExit(&protocol.ExitMessage{Reason: "error"}) },
			wantErr: "expected READY",
		},
		{
			name:    "silent runner",
			first:   func(*protocol.Encoder) {},
			wantErr: "timeout waiting for READY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w, _ := fakeRunner(t, tt.first)
			terminated := make(chan struct{})
			_, err := Attach(context.Background(), r, w, init, procedure.NewOpTable(nil), nil, 100*time.Millisecond,
				func() { close(terminated) })
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			select {
			case <-terminated:
			case <-time.After(time.Second):
				t.Error("failed handshake did not terminate the runner")
			}
		})
	}
}

func TestAttach_SendsInitAndServesOps(t *testing.T) {
	ops := procedure.NewOpTable(nil).Register(procedure.Op{
		Name:   "double",
		Params: []string{"n"},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			n, err := procedure.IntArg(args, "n", 0)
			return n * 2, err
		},
	})

	var runnerEnc *protocol.Encoder
	encReady := make(chan struct{})
	r, w, dec := fakeRunner(t, func(e *protocol.Encoder) {
		runnerEnc = e
		_ = e.EncodeReady(&protocol.ReadyMessage{Version: protocol.Version})
		close(encReady)
	})

	initMsg := protocol.InitMessage{Kind: protocol.WorkerKindMacro, Name: "m", Script: "m.star"}
	initCh := make(chan *protocol.InitMessage, 1)
	go func() {
		got, err := dec.DecodeInit()
		if err != nil {
			t.Errorf("DecodeInit: %v", err)
		}
		initCh <- got
	}()

	worker, err := Attach(context.Background(), r, w, initMsg, ops, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	got := <-initCh
	if got == nil || len(got.Ops) != 1 || got.Ops[0].Name != "double" {
		t.Fatalf("init ops = %+v", got)
	}

	<-encReady
	go func() { _ = runnerEnc.EncodeOp(&protocol.OpMessage{ID: 7, Name: "double", Args: map[string]any{"n": 21}}) }()

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeOpResult {
		t.Fatalf("reply = %v, %v", msg, err)
	}
	var res protocol.OpResultMessage
	if err := protocol.ParseData(msg.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.ID != 7 || res.Error != nil || res.Value != json.Number("42") {
		t.Errorf("op result = %+v", res)
	}

	go func() { _ = runnerEnc.EncodeExit(&protocol.ExitMessage{Reason: "completed"}) }()
	select {
	case <-worker.Done():
	case <-time.After(time.Second):
		t.Fatal("EXIT did not finish the worker")
	}
	if worker.Err() != nil {
		t.Errorf("Err() = %v", worker.Err())
	}
}
