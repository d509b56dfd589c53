package procedure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// Conn is the worker side of a bridge: something that accepts calls and produces
// results until it exits.
type Conn interface {
	// Deliver hands one call to the worker.
	Deliver(ctx context.Context, call Call) error
	// Results yields worker responses in any order.
	Results() <-chan Result
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err reports why the worker exited, if known.
	Err() error
}

// Bridge correlates calls with results over a Conn. It is safe for concurrent use;
// any number of calls may be outstanding at once.
type Bridge struct {
	conn Conn
	tel  *telemetry.Telemetry

	nextID atomic.Uint64

	mu          sync.Mutex
	pending     map[uint64]chan Result
	exited      bool
	exitFailure *Failure

	stopped chan struct{}
}

// NewBridge starts the result demultiplexer for conn.
func NewBridge(conn Conn, tel *telemetry.Telemetry) *Bridge {
	b := &Bridge{
		conn:    conn,
		tel:     telemetry.OrNop(tel).Component("procedure-bridge"),
		pending: make(map[uint64]chan Result),
		stopped: make(chan struct{}),
	}
	go b.demux()
	return b
}

// Exited is closed once the worker has gone away and every pending call has failed.
func (b *Bridge) Exited() <-chan struct{} { return b.stopped }

// Pending returns the number of calls awaiting a result.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) demux() {
	defer close(b.stopped)
	results := b.conn.Results()
	for {
		select {
		case r, ok := <-results:
			if !ok {
				b.failAll()
				return
			}
			b.route(r)
		case <-b.conn.Done():
			// results already written before exit still count
			for {
				select {
				case r, ok := <-results:
					if !ok {
						b.failAll()
						return
					}
					b.route(r)
				default:
					b.failAll()
					return
				}
			}
		}
	}
}

func (b *Bridge) route(r Result) {
	b.mu.Lock()
	slot, ok := b.pending[r.CallID]
	if ok {
		delete(b.pending, r.CallID)
	}
	b.mu.Unlock()

	if !ok {
		b.tel.Logger.WithCallID(r.CallID).Warn("dropping result for unknown call")
		return
	}
	slot <- r
}

func (b *Bridge) failAll() {
	msg := "sandbox exited mid-call"
	if err := b.conn.Err(); err != nil {
		msg = fmt.Sprintf("sandbox exited mid-call: %v", err)
	}

	exit := &Failure{Kind: engine.ErrorKindInternal, Message: msg}

	b.mu.Lock()
	b.exited = true
	b.exitFailure = exit
	pending := b.pending
	b.pending = make(map[uint64]chan Result)
	b.mu.Unlock()

	for id, slot := range pending {
		slot <- Result{CallID: id, Error: exit}
	}
	if len(pending) > 0 {
		b.tel.Logger.Warnf("worker exited with %d calls outstanding", len(pending))
	}
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Call sends inner to the worker and waits for its result. The returned payload is
// guaranteed to match the shape the call kind expects.
func (b *Bridge) Call(ctx context.Context, causedBy types.CausedBy, inner CallInner) (*ResultInner, error) {
	if err := inner.Validate(); err != nil {
		return nil, engine.NewBadRequestError("malformed procedure call", err).WithCode(engine.ErrCodeValidation)
	}

	id := b.nextID.Add(1)
	ctx, span := b.tel.Tracer.StartProcedureSpan(ctx, string(inner.Type), id)
	timer := telemetry.NewTimer()

	res, err := b.call(ctx, id, causedBy, inner)

	outcome := "ok"
	if err != nil {
		outcome = string(engine.KindOf(err))
		b.tel.Metrics.RecordError(outcome)
	}
	b.tel.Metrics.RecordProcedureCall(string(inner.Type), outcome, timer.Duration())
	telemetry.EndSpan(span, err)
	return res, err
}

func (b *Bridge) call(ctx context.Context, id uint64, causedBy types.CausedBy, inner CallInner) (*ResultInner, error) {
	slot := make(chan Result, 1)

	b.mu.Lock()
	if b.exited {
		b.mu.Unlock()
		return nil, engine.NewInternalError("sandbox has exited", b.conn.Err()).
			WithCode(engine.ErrCodeSandboxExited).WithOperation(string(inner.Type))
	}
	b.pending[id] = slot
	b.mu.Unlock()

	if err := b.conn.Deliver(ctx, Call{CallID: id, Inner: inner, CausedBy: causedBy}); err != nil {
		b.forget(id)
		return nil, engine.NewInternalError("delivering call to sandbox", err).
			WithOperation(string(inner.Type))
	}

	var r Result
	select {
	case r = <-slot:
	case <-ctx.Done():
		b.forget(id)
		return nil, engine.NewInternalError("call abandoned", ctx.Err()).
			WithOperation(string(inner.Type))
	}

	if r.Error != nil {
		e := r.Error.Err().WithOperation(string(inner.Type))
		if r.Error == b.exitedWith() {
			e = e.WithCode(engine.ErrCodeSandboxExited)
		}
		return nil, e
	}

	want := expectedResult[inner.Type]
	if r.Inner == nil || r.Inner.Type != want || !r.Inner.wellFormed() {
		got := "nothing"
		if r.Inner != nil {
			got = string(r.Inner.Type)
		}
		return nil, engine.NewError(engine.ErrorKindInternal,
			fmt.Sprintf("sandbox answered %s with %s, expected %s", inner.Type, got, want)).
			WithCode(engine.ErrCodeResultMismatch).WithOperation(string(inner.Type))
	}
	return r.Inner, nil
}

func (b *Bridge) exitedWith() *Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitFailure
}

// CallVoid issues a call that returns nothing.
func (b *Bridge) CallVoid(ctx context.Context, causedBy types.CausedBy, inner CallInner) error {
	_, err := b.Call(ctx, causedBy, inner)
	return err
}

// CallState issues a call answered with an instance state.
func (b *Bridge) CallState(ctx context.Context, causedBy types.CausedBy, inner CallInner) (types.InstanceState, error) {
	r, err := b.Call(ctx, causedBy, inner)
	if err != nil {
		return "", err
	}
	return *r.State, nil
}

// CallMonitor issues a call answered with a usage report.
func (b *Bridge) CallMonitor(ctx context.Context, causedBy types.CausedBy, inner CallInner) (types.MonitorReport, error) {
	r, err := b.Call(ctx, causedBy, inner)
	if err != nil {
		return types.MonitorReport{}, err
	}
	return *r.Monitor, nil
}

// CallNum issues a call answered with a count.
func (b *Bridge) CallNum(ctx context.Context, causedBy types.CausedBy, inner CallInner) (uint32, error) {
	r, err := b.Call(ctx, causedBy, inner)
	if err != nil {
		return 0, err
	}
	return *r.Num, nil
}

// CallPlayers issues a call answered with a player list.
func (b *Bridge) CallPlayers(ctx context.Context, causedBy types.CausedBy, inner CallInner) ([]types.Player, error) {
	r, err := b.Call(ctx, causedBy, inner)
	if err != nil {
		return nil, err
	}
	if r.Players == nil {
		return []types.Player{}, nil
	}
	return r.Players, nil
}

// CallSetupManifest issues a call answered with a setup manifest.
func (b *Bridge) CallSetupManifest(ctx context.Context, causedBy types.CausedBy, inner CallInner) (types.SetupManifest, error) {
	r, err := b.Call(ctx, causedBy, inner)
	if err != nil {
		return types.SetupManifest{}, err
	}
	return *r.SetupManifest, nil
}
