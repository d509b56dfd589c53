package events

import (
	"context"

	"github.com/openfroyo/warden/pkg/types"
)

// Filter selects events of interest.
type Filter func(types.Event) bool

// All matches every event.
func All(types.Event) bool { return true }

// InstanceEvents matches instance events of one instance.
func InstanceEvents(uuid types.InstanceUUID) Filter {
	return func(e types.Event) bool {
		return e.Inner.Instance != nil && e.Inner.Instance.InstanceUUID == uuid
	}
}

// InstanceEventsOfKind matches instance events of one instance and inner kind.
func InstanceEventsOfKind(uuid types.InstanceUUID, kind types.InstanceEventKind) Filter {
	return func(e types.Event) bool {
		return e.Inner.Instance != nil &&
			e.Inner.Instance.InstanceUUID == uuid &&
			e.Inner.Instance.Inner.Type == kind
	}
}

// MacroEvents matches events about one macro task.
func MacroEvents(pid types.MacroPID) Filter {
	return func(e types.Event) bool {
		return e.Inner.Macro != nil && e.Inner.Macro.MacroPID == pid
	}
}

// ProgressionEnd matches the end of one progression stream.
func ProgressionEnd(id types.ProgressionEventID) Filter {
	return func(e types.Event) bool {
		return e.Inner.Progression != nil &&
			e.Inner.Progression.EventID == id &&
			e.Inner.Progression.Inner.Type == types.ProgressionEnd
	}
}

// Next waits for the next event matching f. Lag is skipped, not fatal.
func (r *Receiver) Next(ctx context.Context, f Filter) (types.Event, error) {
	for {
		event, err := r.Recv(ctx)
		if err != nil {
			if IsLagged(err) {
				continue
			}
			return types.Event{}, err
		}
		if f(event) {
			return event, nil
		}
	}
}

// The helpers below subscribe at call time, so they only observe events published
// after they are called. Callers that must not miss an event triggered by their own
// action subscribe first and use Receiver.Next.

// NextEvent waits for the next event of any kind.
func (b *Broadcaster) NextEvent(ctx context.Context) (types.Event, error) {
	return b.Subscribe().Next(ctx, All)
}

// NextInstanceEvent waits for the next event about the instance.
func (b *Broadcaster) NextInstanceEvent(ctx context.Context, uuid types.InstanceUUID) (types.Event, error) {
	return b.Subscribe().Next(ctx, InstanceEvents(uuid))
}

// NextInstanceStateChange waits for the instance's next state transition.
func (b *Broadcaster) NextInstanceStateChange(ctx context.Context, uuid types.InstanceUUID) (types.InstanceState, error) {
	e, err := b.Subscribe().Next(ctx, InstanceEventsOfKind(uuid, types.InstanceEventStateTransition))
	if err != nil {
		return "", err
	}
	return e.Inner.Instance.Inner.To, nil
}

// NextInstanceOutput waits for the instance's next console line.
func (b *Broadcaster) NextInstanceOutput(ctx context.Context, uuid types.InstanceUUID) (string, error) {
	e, err := b.Subscribe().Next(ctx, InstanceEventsOfKind(uuid, types.InstanceEventOutput))
	if err != nil {
		return "", err
	}
	return e.Inner.Instance.Inner.Message, nil
}

// NextInstancePlayerChange waits for the instance's next player list change.
func (b *Broadcaster) NextInstancePlayerChange(ctx context.Context, uuid types.InstanceUUID) (types.InstanceEventInner, error) {
	e, err := b.Subscribe().Next(ctx, InstanceEventsOfKind(uuid, types.InstanceEventPlayerChange))
	if err != nil {
		return types.InstanceEventInner{}, err
	}
	return e.Inner.Instance.Inner, nil
}

// NextPlayerMessage waits for the next chat message on the instance.
func (b *Broadcaster) NextPlayerMessage(ctx context.Context, uuid types.InstanceUUID) (player, message string, err error) {
	e, err := b.Subscribe().Next(ctx, InstanceEventsOfKind(uuid, types.InstanceEventPlayerMessage))
	if err != nil {
		return "", "", err
	}
	return e.Inner.Instance.Inner.Player, e.Inner.Instance.Inner.Message, nil
}

// NextMacroEvent waits for the next event about the macro task.
func (b *Broadcaster) NextMacroEvent(ctx context.Context, pid types.MacroPID) (types.MacroEventInner, error) {
	e, err := b.Subscribe().Next(ctx, MacroEvents(pid))
	if err != nil {
		return types.MacroEventInner{}, err
	}
	return e.Inner.Macro.Inner, nil
}

// NextProgressionEnd waits for the end of a progression stream.
func (b *Broadcaster) NextProgressionEnd(ctx context.Context, id types.ProgressionEventID) (types.ProgressionEventInner, error) {
	e, err := b.Subscribe().Next(ctx, ProgressionEnd(id))
	if err != nil {
		return types.ProgressionEventInner{}, err
	}
	return e.Inner.Progression.Inner, nil
}
