// Package client drives a warden-runner process from the daemon side. A started
// Worker is a procedure.Conn: calls go out as CALL messages, results come back as
// RESULT messages, and the runner's OP messages are served from an op table.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/runner/protocol"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// ErrTerminated is the exit reason of a runner stopped with Terminate.
var ErrTerminated = errors.New("runner terminated")

// Config contains client configuration options.
type Config struct {
	// RunnerPath is the warden-runner executable.
	RunnerPath string
	// Args are extra arguments for the runner.
	Args []string
	// Env is appended to the daemon's environment.
	Env []string
	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration
}

// Worker is one runner process.
type Worker struct {
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.Closer
	kill    func()

	ops    *procedure.OpTable
	logger *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready   *protocol.ReadyMessage
	results chan procedure.Result
	done    chan struct{}

	callsTotal atomic.Int64
	opsTotal   atomic.Int64

	mu      sync.Mutex
	err     error
	waitErr error
	once    sync.Once
}

// Start launches the runner executable and performs the READY/INIT handshake.
func Start(ctx context.Context, cfg Config, init protocol.InitMessage, ops *procedure.OpTable, tel *telemetry.Telemetry) (*Worker, error) {
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	tel = telemetry.OrNop(tel).Component("runner-client")

	cmd := exec.Command(cfg.RunnerPath, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = init.Dir
	cmd.Stderr = &stderrLogger{logger: tel.Logger.WithField("worker", init.Name)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}
	// exec copies into a non-file writer and finishes before Wait returns, so
	// no output is lost when the process exits
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}

	w := newWorker(ctx, pr, stdin, ops, tel.Logger.WithField("worker", init.Name))
	w.kill = func() { _ = cmd.Process.Kill() }

	go func() {
		werr := cmd.Wait()
		w.mu.Lock()
		w.waitErr = werr
		w.mu.Unlock()
		_ = pw.Close()
	}()

	if err := w.handshake(ctx, cfg.StartupTimeout, init); err != nil {
		w.Terminate()
		return nil, err
	}
	return w, nil
}

// Attach runs the handshake over an existing pair of streams. terminate, if set,
// is called when the worker is terminated.
func Attach(ctx context.Context, r io.Reader, wr io.WriteCloser, init protocol.InitMessage, ops *procedure.OpTable, tel *telemetry.Telemetry, timeout time.Duration, terminate func()) (*Worker, error) {
	tel = telemetry.OrNop(tel).Component("runner-client")
	w := newWorker(ctx, r, wr, ops, tel.Logger.WithField("worker", init.Name))
	w.kill = terminate
	if err := w.handshake(ctx, timeout, init); err != nil {
		w.Terminate()
		return nil, err
	}
	return w, nil
}

func newWorker(ctx context.Context, r io.Reader, wr io.WriteCloser, ops *procedure.OpTable, logger *telemetry.Logger) *Worker {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Worker{
		encoder: protocol.NewEncoder(wr),
		decoder: protocol.NewDecoder(r),
		stdin:   wr,
		ops:     ops,
		logger:  logger,
		ctx:     wctx,
		cancel:  cancel,
		results: make(chan procedure.Result, 64),
		done:    make(chan struct{}),
	}
}

func (w *Worker) handshake(ctx context.Context, timeout time.Duration, init protocol.InitMessage) error {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := w.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		if ready.Version != protocol.Version {
			return fmt.Errorf("runner speaks protocol %s, want %s", ready.Version, protocol.Version)
		}
		w.ready = ready
	}

	if init.Ops == nil && w.ops != nil {
		init.Ops = w.ops.Specs()
	}
	if err := w.encoder.EncodeInit(&init); err != nil {
		return fmt.Errorf("failed to send INIT: %w", err)
	}

	go w.readLoop()
	return nil
}

// Ready returns the READY message received during startup.
func (w *Worker) Ready() *protocol.ReadyMessage { return w.ready }

func (w *Worker) readLoop() {
	for {
		msg, err := w.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.finish(w.exitedWithoutExit())
			} else {
				w.finish(fmt.Errorf("reading from runner: %w", err))
			}
			return
		}

		switch msg.Type {
		case protocol.MessageTypeResult:
			var r procedure.Result
			if err := protocol.ParseData(msg.Data, &r); err != nil {
				w.logger.WithError(err).Warn("dropping malformed result")
				continue
			}
			select {
			case w.results <- r:
			case <-w.done:
				return
			}

		case protocol.MessageTypeOp:
			var op protocol.OpMessage
			if err := protocol.ParseData(msg.Data, &op); err != nil {
				w.logger.WithError(err).Warn("dropping malformed op")
				continue
			}
			w.opsTotal.Add(1)
			go w.serveOp(op)

		case protocol.MessageTypeError:
			var e protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &e); err == nil {
				w.logger.WithField("code", e.Code).Warn(e.Message)
			}

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			if err := protocol.ParseData(msg.Data, &exit); err != nil {
				w.finish(fmt.Errorf("malformed EXIT: %w", err))
				return
			}
			w.logger.WithFields(map[string]interface{}{
				"reason":    exit.Reason,
				"exit_code": exit.ExitCode,
				"calls":     exit.CallsTotal,
				"ops":       exit.OpsTotal,
			}).Debug("runner exited")
			if exit.Error != "" {
				w.finish(errors.New(exit.Error))
			} else {
				w.finish(nil)
			}
			return

		default:
			w.logger.Warnf("unexpected %s message from runner", msg.Type)
		}
	}
}

func (w *Worker) exitedWithoutExit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waitErr != nil {
		return fmt.Errorf("runner exited: %w", w.waitErr)
	}
	return fmt.Errorf("runner closed its output without EXIT")
}

func (w *Worker) serveOp(op protocol.OpMessage) {
	reply := &protocol.OpResultMessage{ID: op.ID}
	v, err := w.ops.Invoke(w.ctx, op.Name, op.Args)
	if err != nil {
		reply.Error = procedure.FailureFrom(err)
	} else {
		reply.Value = v
	}
	if err := w.encoder.EncodeOpResult(reply); err != nil {
		w.logger.WithError(err).Debug("failed to answer op")
	}
}

func (w *Worker) finish(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.cancel()
		_ = w.stdin.Close()
		if w.kill != nil {
			w.kill()
		}
		close(w.done)
	})
}

// Deliver implements procedure.Conn.
func (w *Worker) Deliver(ctx context.Context, call procedure.Call) error {
	select {
	case <-w.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := w.encoder.EncodeCall(call); err != nil {
		return fmt.Errorf("failed to send call: %w", err)
	}
	w.callsTotal.Add(1)
	return nil
}

// Results implements procedure.Conn.
func (w *Worker) Results() <-chan procedure.Result { return w.results }

// Done implements procedure.Conn.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err implements procedure.Conn.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate kills the runner.
func (w *Worker) Terminate() {
	w.finish(ErrTerminated)
}

// Stats returns the number of calls sent and ops served.
func (w *Worker) Stats() (calls, ops int64) {
	return w.callsTotal.Load(), w.opsTotal.Load()
}

// stderrLogger forwards runner stderr to the daemon log.
type stderrLogger struct {
	logger *telemetry.Logger
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.logger.Debug(string(p))
	return len(p), nil
}
