package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/types"
)

// CallArgs flattens a call's argument struct into the keyword arguments a script
// handler receives. Calls without arguments yield an empty map.
func CallArgs(inner procedure.CallInner) (map[string]any, error) {
	var payload any
	switch inner.Type {
	case procedure.CallSendCommand:
		payload = inner.SendCommand
	case procedure.CallSetMaxPlayerCount:
		payload = inner.SetMaxPlayerCount
	case procedure.CallSetupInstance:
		payload = inner.SetupInstance
	case procedure.CallRestoreInstance:
		payload = inner.RestoreInstance
	default:
		return map[string]any{}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s arguments: %w", inner.Type, err)
	}
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s arguments: %w", inner.Type, err)
	}
	return out, nil
}

// DecodeResult converts a script handler's return value into the result shape the
// call kind expects.
func DecodeResult(kind procedure.CallKind, v any) (*procedure.ResultInner, error) {
	want, ok := procedure.ExpectedResult(kind)
	if !ok {
		return nil, engine.NewBadRequestError(fmt.Sprintf("unknown call kind %q", kind), nil)
	}

	switch want {
	case procedure.ResultVoid:
		return procedure.Void(), nil

	case procedure.ResultState:
		s, ok := v.(string)
		if !ok {
			return nil, badReturn(kind, "a state string", v)
		}
		state := types.InstanceState(s)
		if err := state.Validate(); err != nil {
			return nil, badReturn(kind, "a state string", v)
		}
		return procedure.StateResult(state), nil

	case procedure.ResultMonitor:
		var report types.MonitorReport
		if v != nil {
			if err := remarshal(v, &report); err != nil {
				return nil, badReturn(kind, "a monitor dict", v)
			}
		}
		return procedure.MonitorResult(report), nil

	case procedure.ResultNum:
		n, ok := toUint32(v)
		if !ok {
			return nil, badReturn(kind, "a non-negative integer", v)
		}
		return procedure.NumResult(n), nil

	case procedure.ResultPlayers:
		players, err := decodePlayers(v)
		if err != nil {
			return nil, badReturn(kind, "a list of players", v)
		}
		return procedure.PlayersResult(players), nil

	case procedure.ResultSetupManifest:
		var m types.SetupManifest
		if err := remarshal(v, &m); err != nil || m.SettingSections == nil {
			return nil, badReturn(kind, "a setup manifest dict", v)
		}
		return procedure.SetupManifestResult(m), nil
	}
	return nil, engine.NewInternalError(fmt.Sprintf("no decoder for %s", want), nil)
}

func badReturn(kind procedure.CallKind, want string, got any) error {
	return engine.NewInternalError(fmt.Sprintf("%s handler returned %T, expected %s", kind, got, want), nil).
		WithCode(engine.ErrCodeResultMismatch)
}

func remarshal(v any, target any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 || n > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case int:
		if n < 0 || int64(n) > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return toUint32(i)
	case float64:
		if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}

// decodePlayers accepts a list of names or a list of {name, uuid} dicts.
func decodePlayers(v any) ([]types.Player, error) {
	if v == nil {
		return []types.Player{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	players := make([]types.Player, 0, len(list))
	for _, item := range list {
		switch p := item.(type) {
		case string:
			players = append(players, types.Player{Name: p})
		case map[string]any:
			var player types.Player
			if err := remarshal(p, &player); err != nil {
				return nil, err
			}
			if player.Name == "" {
				return nil, fmt.Errorf("player without a name")
			}
			players = append(players, player)
		default:
			return nil, fmt.Errorf("unexpected player %T", item)
		}
	}
	return players, nil
}

// resultFor builds the bridge response for one handled call.
func resultFor(call procedure.Call, v any, err error) procedure.Result {
	if err != nil {
		return procedure.Result{CallID: call.CallID, Error: procedure.FailureFrom(err)}
	}
	inner, err := DecodeResult(call.Inner.Type, v)
	if err != nil {
		return procedure.Result{CallID: call.CallID, Error: procedure.FailureFrom(err)}
	}
	return procedure.Result{CallID: call.CallID, Inner: inner}
}
