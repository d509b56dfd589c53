// Package server is the runner side of the warden-runner protocol. It runs one
// script in a local sandbox host and relays calls, results, and ops over a pair of
// streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/runner/protocol"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// Server relays one worker over a protocol stream.
type Server struct {
	host   sandbox.Host
	tel    *telemetry.Telemetry
	caps   map[string]bool
	encode *protocol.Encoder
	decode *protocol.Decoder

	nextOp  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan protocol.OpResultMessage
	closed  bool

	callsTotal atomic.Int64
	opsTotal   atomic.Int64
}

// New creates a server reading r and writing w.
func New(r io.Reader, w io.Writer, host sandbox.Host, caps map[string]bool, tel *telemetry.Telemetry) *Server {
	return &Server{
		host:    host,
		tel:     telemetry.OrNop(tel).Component("runner"),
		caps:    caps,
		encode:  protocol.NewEncoder(w),
		decode:  protocol.NewDecoder(r),
		pending: make(map[uint64]chan protocol.OpResultMessage),
	}
}

// Serve runs the protocol to completion: READY, INIT, then calls and ops until the
// worker exits or the input closes. It always ends with EXIT when the stream is
// still writable.
func (s *Server) Serve(ctx context.Context) error {
	ready := &protocol.ReadyMessage{
		Version:  protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     s.caps,
	}
	if err := s.encode.EncodeReady(ready); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	init, err := s.decode.DecodeInit()
	if err != nil {
		s.exit("error", 1, err)
		return fmt.Errorf("failed to receive init: %w", err)
	}

	spec := sandbox.Spec{
		Kind: sandbox.Kind(init.Kind),
		Name: init.Name,
		Path: init.Script,
		Dir:  init.Dir,
		Args: init.Args,
		Ops:  s.remoteOps(init.Ops),
	}
	worker, err := s.host.Spawn(ctx, spec)
	if err != nil {
		s.exit("error", 1, err)
		return err
	}

	inputClosed := make(chan struct{})
	go func() {
		defer close(inputClosed)
		s.readLoop(ctx, worker)
	}()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward(worker)
	}()

	select {
	case <-worker.Done():
	case <-inputClosed:
		worker.Terminate()
	case <-ctx.Done():
		worker.Terminate()
	}
	<-forwarded
	s.failPendingOps()

	werr := worker.Err()
	switch {
	case errors.Is(werr, sandbox.ErrTerminated):
		s.exit("terminated", 0, nil)
		return nil
	case werr != nil:
		s.exit("error", 1, werr)
		return werr
	default:
		s.exit("completed", 0, nil)
		return nil
	}
}

func (s *Server) readLoop(ctx context.Context, worker sandbox.Worker) {
	for {
		msg, err := s.decode.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.tel.Logger.WithError(err).Warn("reading from daemon")
			}
			return
		}

		switch msg.Type {
		case protocol.MessageTypeCall:
			var call procedure.Call
			if err := protocol.ParseData(msg.Data, &call); err != nil {
				s.tel.Logger.WithError(err).Warn("dropping malformed call")
				continue
			}
			s.callsTotal.Add(1)
			if err := worker.Deliver(ctx, call); err != nil {
				_ = s.encode.EncodeResult(procedure.Result{CallID: call.CallID, Error: procedure.FailureFrom(err)})
			}

		case protocol.MessageTypeOpResult:
			var res protocol.OpResultMessage
			if err := protocol.ParseData(msg.Data, &res); err != nil {
				s.tel.Logger.WithError(err).Warn("dropping malformed op result")
				continue
			}
			s.routeOpResult(res)

		default:
			s.tel.Logger.Warnf("unexpected %s message from daemon", msg.Type)
		}
	}
}

// forward relays worker results until the worker is gone, then drains what is
// already buffered.
func (s *Server) forward(worker sandbox.Worker) {
	for {
		select {
		case r := <-worker.Results():
			_ = s.encode.EncodeResult(r)
		case <-worker.Done():
			for {
				select {
				case r := <-worker.Results():
					_ = s.encode.EncodeResult(r)
				default:
					return
				}
			}
		}
	}
}

// remoteOps builds an op table whose ops run in the daemon.
func (s *Server) remoteOps(specs []procedure.OpSpec) *procedure.OpTable {
	table := procedure.NewOpTable(nil)
	for _, spec := range specs {
		name := spec.Name
		table.Register(procedure.Op{
			Name:   name,
			Params: spec.Params,
			Doc:    spec.Doc,
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				return s.invokeRemote(ctx, name, args)
			},
		})
	}
	return table
}

func (s *Server) invokeRemote(ctx context.Context, name string, args map[string]any) (any, error) {
	id := s.nextOp.Add(1)
	slot := make(chan protocol.OpResultMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, engine.NewInternalError("daemon connection closed", nil)
	}
	s.pending[id] = slot
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	s.opsTotal.Add(1)
	if err := s.encode.EncodeOp(&protocol.OpMessage{ID: id, Name: name, Args: args}); err != nil {
		forget()
		return nil, engine.NewInternalError("sending op", err)
	}

	select {
	case res := <-slot:
		if res.Error != nil {
			return nil, res.Error.Err()
		}
		return res.Value, nil
	case <-ctx.Done():
		forget()
		return nil, engine.NewInternalError("op cancelled", ctx.Err()).WithCode(engine.ErrCodeKilled)
	}
}

func (s *Server) routeOpResult(res protocol.OpResultMessage) {
	s.mu.Lock()
	slot, ok := s.pending[res.ID]
	delete(s.pending, res.ID)
	s.mu.Unlock()
	if ok {
		slot <- res
	}
}

func (s *Server) failPendingOps() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[uint64]chan protocol.OpResultMessage)
	s.mu.Unlock()

	gone := &procedure.Failure{Kind: engine.ErrorKindInternal, Message: "daemon connection closed"}
	for id, slot := range pending {
		slot <- protocol.OpResultMessage{ID: id, Error: gone}
	}
}

func (s *Server) exit(reason string, code int, err error) {
	msg := &protocol.ExitMessage{
		Reason:     reason,
		ExitCode:   code,
		CallsTotal: int(s.callsTotal.Load()),
		OpsTotal:   int(s.opsTotal.Load()),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	if werr := s.encode.EncodeExit(msg); werr != nil {
		s.tel.Logger.WithError(werr).Debug("failed to send exit")
	}
}
