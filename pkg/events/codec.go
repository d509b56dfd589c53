package events

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfroyo/warden/pkg/types"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2): the same event
// always produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes an event record for persistence.
func MarshalCBOR(e types.Event) ([]byte, error) {
	if e.Version == 0 {
		e.Version = types.EventVersion
	}
	return encMode.Marshal(e)
}

// UnmarshalCBOR decodes and validates a persisted event record.
func UnmarshalCBOR(data []byte) (types.Event, error) {
	var e types.Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return types.Event{}, fmt.Errorf("decoding event record: %w", err)
	}
	return e, checkRecord(e)
}

// MarshalJSON encodes an event for the wire.
func MarshalJSON(e types.Event) ([]byte, error) {
	if e.Version == 0 {
		e.Version = types.EventVersion
	}
	return json.Marshal(e)
}

// UnmarshalJSON decodes and validates a wire event.
func UnmarshalJSON(data []byte) (types.Event, error) {
	var e types.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return types.Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return e, checkRecord(e)
}

func checkRecord(e types.Event) error {
	if e.Version != types.EventVersion {
		return fmt.Errorf("unsupported event record version %d", e.Version)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event record: %w", err)
	}
	return nil
}
