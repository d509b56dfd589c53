// Package procedure implements the request/response bridge between the warden core
// and sandboxed workers, and the table of operations workers may call back into.
package procedure

import (
	"errors"
	"fmt"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/types"
)

// CallKind discriminates CallInner.
type CallKind string

const (
	CallStartInstance     CallKind = "start_instance"
	CallStopInstance      CallKind = "stop_instance"
	CallRestartInstance   CallKind = "restart_instance"
	CallKillInstance      CallKind = "kill_instance"
	CallSendCommand       CallKind = "send_command"
	CallGetState          CallKind = "get_state"
	CallMonitor           CallKind = "monitor"
	CallGetPlayerCount    CallKind = "get_player_count"
	CallGetMaxPlayerCount CallKind = "get_max_player_count"
	CallSetMaxPlayerCount CallKind = "set_max_player_count"
	CallGetPlayerList     CallKind = "get_player_list"
	CallSetupInstance     CallKind = "setup_instance"
	CallRestoreInstance   CallKind = "restore_instance"
	CallGetSetupManifest  CallKind = "get_setup_manifest"
)

// ResultKind discriminates ResultInner.
type ResultKind string

const (
	ResultVoid          ResultKind = "void"
	ResultState         ResultKind = "state"
	ResultMonitor       ResultKind = "monitor"
	ResultNum           ResultKind = "num"
	ResultPlayers       ResultKind = "players"
	ResultSetupManifest ResultKind = "setup_manifest"
)

// expectedResult is the result shape each call must be answered with.
var expectedResult = map[CallKind]ResultKind{
	CallStartInstance:     ResultVoid,
	CallStopInstance:      ResultVoid,
	CallRestartInstance:   ResultVoid,
	CallKillInstance:      ResultVoid,
	CallSendCommand:       ResultVoid,
	CallGetState:          ResultState,
	CallMonitor:           ResultMonitor,
	CallGetPlayerCount:    ResultNum,
	CallGetMaxPlayerCount: ResultNum,
	CallSetMaxPlayerCount: ResultVoid,
	CallGetPlayerList:     ResultPlayers,
	CallSetupInstance:     ResultVoid,
	CallRestoreInstance:   ResultVoid,
	CallGetSetupManifest:  ResultSetupManifest,
}

// ExpectedResult returns the result kind a call must be answered with.
func ExpectedResult(kind CallKind) (ResultKind, bool) {
	r, ok := expectedResult[kind]
	return r, ok
}

// Call is one request from the core to a worker.
type Call struct {
	CallID   uint64         `json:"call_id"`
	Inner    CallInner      `json:"inner"`
	CausedBy types.CausedBy `json:"caused_by"`
}

// CallInner is the request shape. Only the argument field matching Type is set.
type CallInner struct {
	Type              CallKind               `json:"type"`
	SendCommand       *SendCommandArgs       `json:"send_command,omitempty"`
	SetMaxPlayerCount *SetMaxPlayerCountArgs `json:"set_max_player_count,omitempty"`
	SetupInstance     *SetupInstanceArgs     `json:"setup_instance,omitempty"`
	RestoreInstance   *RestoreInstanceArgs   `json:"restore_instance,omitempty"`
}

// SendCommandArgs carries one line of workload input.
type SendCommandArgs struct {
	Command string `json:"command"`
}

// SetMaxPlayerCountArgs carries the new player cap.
type SetMaxPlayerCountArgs struct {
	Max uint32 `json:"max"`
}

// SetupInstanceArgs initializes a freshly created instance directory.
type SetupInstanceArgs struct {
	Config     types.InstanceConfig `json:"config"`
	SetupValue types.SetupValue     `json:"setup_value"`
	Path       string               `json:"path"`
}

// RestoreInstanceArgs reattaches a worker to an existing instance directory.
type RestoreInstanceArgs struct {
	Config types.InstanceConfig `json:"config"`
	Path   string               `json:"path"`
}

// Validate checks that exactly the argument field for Type is set.
func (c CallInner) Validate() error {
	if _, ok := expectedResult[c.Type]; !ok {
		return fmt.Errorf("unknown call kind %q", c.Type)
	}
	want := map[CallKind]bool{
		CallSendCommand:       c.SendCommand != nil,
		CallSetMaxPlayerCount: c.SetMaxPlayerCount != nil,
		CallSetupInstance:     c.SetupInstance != nil,
		CallRestoreInstance:   c.RestoreInstance != nil,
	}
	for kind, present := range want {
		if present != (kind == c.Type) {
			return fmt.Errorf("call %s has mismatched arguments", c.Type)
		}
	}
	return nil
}

func simpleCall(kind CallKind) CallInner { return CallInner{Type: kind} }

// StartInstance builds a start request.
func StartInstance() CallInner { return simpleCall(CallStartInstance) }

// StopInstance builds a stop request.
func StopInstance() CallInner { return simpleCall(CallStopInstance) }

// RestartInstance builds a restart request.
func RestartInstance() CallInner { return simpleCall(CallRestartInstance) }

// KillInstance builds a kill request.
func KillInstance() CallInner { return simpleCall(CallKillInstance) }

// GetState builds a state query.
func GetState() CallInner { return simpleCall(CallGetState) }

// Monitor builds a usage query.
func Monitor() CallInner { return simpleCall(CallMonitor) }

// GetPlayerCount builds a player count query.
func GetPlayerCount() CallInner { return simpleCall(CallGetPlayerCount) }

// GetMaxPlayerCount builds a player cap query.
func GetMaxPlayerCount() CallInner { return simpleCall(CallGetMaxPlayerCount) }

// GetPlayerList builds a player list query.
func GetPlayerList() CallInner { return simpleCall(CallGetPlayerList) }

// GetSetupManifest builds a setup manifest query.
func GetSetupManifest() CallInner { return simpleCall(CallGetSetupManifest) }

// SendCommand builds a command request.
func SendCommand(command string) CallInner {
	return CallInner{Type: CallSendCommand, SendCommand: &SendCommandArgs{Command: command}}
}

// SetMaxPlayerCount builds a player cap update.
func SetMaxPlayerCount(max uint32) CallInner {
	return CallInner{Type: CallSetMaxPlayerCount, SetMaxPlayerCount: &SetMaxPlayerCountArgs{Max: max}}
}

// SetupInstance builds the initial setup request.
func SetupInstance(config types.InstanceConfig, value types.SetupValue, path string) CallInner {
	return CallInner{Type: CallSetupInstance, SetupInstance: &SetupInstanceArgs{Config: config, SetupValue: value, Path: path}}
}

// RestoreInstance builds the reattach request.
func RestoreInstance(config types.InstanceConfig, path string) CallInner {
	return CallInner{Type: CallRestoreInstance, RestoreInstance: &RestoreInstanceArgs{Config: config, Path: path}}
}

// Result answers exactly one Call. Either Inner or Error is set.
type Result struct {
	CallID uint64       `json:"call_id"`
	Inner  *ResultInner `json:"inner,omitempty"`
	Error  *Failure     `json:"error,omitempty"`
}

// ResultInner is the success payload. Only the field matching Type is set.
type ResultInner struct {
	Type          ResultKind           `json:"type"`
	State         *types.InstanceState `json:"state,omitempty"`
	Monitor       *types.MonitorReport `json:"monitor,omitempty"`
	Num           *uint32              `json:"num,omitempty"`
	Players       []types.Player       `json:"players,omitempty"`
	SetupManifest *types.SetupManifest `json:"setup_manifest,omitempty"`
}

// Failure is a typed error carried across the bridge.
type Failure struct {
	Kind    engine.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// Err converts the failure back into a classified error.
func (f *Failure) Err() *engine.Error {
	return engine.NewError(f.Kind, f.Message)
}

// FailureFrom classifies err for transport.
func FailureFrom(err error) *Failure {
	var e *engine.Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return &Failure{Kind: e.Kind, Message: msg}
	}
	return &Failure{Kind: engine.ErrorKindInternal, Message: err.Error()}
}

// Void is the empty success payload.
func Void() *ResultInner { return &ResultInner{Type: ResultVoid} }

// StateResult wraps an instance state.
func StateResult(s types.InstanceState) *ResultInner {
	return &ResultInner{Type: ResultState, State: &s}
}

// MonitorResult wraps a usage report.
func MonitorResult(r types.MonitorReport) *ResultInner {
	return &ResultInner{Type: ResultMonitor, Monitor: &r}
}

// NumResult wraps a count.
func NumResult(n uint32) *ResultInner {
	return &ResultInner{Type: ResultNum, Num: &n}
}

// PlayersResult wraps a player list.
func PlayersResult(players []types.Player) *ResultInner {
	if players == nil {
		players = []types.Player{}
	}
	return &ResultInner{Type: ResultPlayers, Players: players}
}

// SetupManifestResult wraps a package's setup manifest.
func SetupManifestResult(m types.SetupManifest) *ResultInner {
	return &ResultInner{Type: ResultSetupManifest, SetupManifest: &m}
}

// wellFormed reports whether the payload field matching Type is set.
func (r *ResultInner) wellFormed() bool {
	switch r.Type {
	case ResultVoid:
		return true
	case ResultState:
		return r.State != nil
	case ResultMonitor:
		return r.Monitor != nil
	case ResultNum:
		return r.Num != nil
	case ResultPlayers:
		return true
	case ResultSetupManifest:
		return r.SetupManifest != nil
	default:
		return false
	}
}
