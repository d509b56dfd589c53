package types

import (
	"fmt"
	"time"
)

// EventVersion is the schema version stamped on every serialized event record.
const EventVersion = 1

// Event is an immutable record of something that happened to an instance, user,
// macro or long-running operation. Ordering between events is defined by Snowflake.
type Event struct {
	Version   int        `json:"v" cbor:"v"`
	Inner     EventInner `json:"event_inner" cbor:"event_inner"`
	Details   string     `json:"details" cbor:"details"`
	Snowflake Snowflake  `json:"snowflake" cbor:"snowflake"`
	CausedBy  CausedBy   `json:"caused_by" cbor:"caused_by"`
}

// EventKind discriminates the EventInner tagged union.
type EventKind string

const (
	EventKindInstance    EventKind = "instance_event"
	EventKindUser        EventKind = "user_event"
	EventKindMacro       EventKind = "macro_event"
	EventKindProgression EventKind = "progression_event"
	EventKindFS          EventKind = "fs_event"
)

// EventInner holds exactly one populated variant, selected by Type.
type EventInner struct {
	Type        EventKind         `json:"type" cbor:"type"`
	Instance    *InstanceEvent    `json:"instance_event,omitempty" cbor:"instance_event,omitempty"`
	User        *UserEvent        `json:"user_event,omitempty" cbor:"user_event,omitempty"`
	Macro       *MacroEvent       `json:"macro_event,omitempty" cbor:"macro_event,omitempty"`
	Progression *ProgressionEvent `json:"progression_event,omitempty" cbor:"progression_event,omitempty"`
	FS          *FSEvent          `json:"fs_event,omitempty" cbor:"fs_event,omitempty"`
}

// Validate checks that the discriminator matches the single populated variant.
func (i EventInner) Validate() error {
	set := 0
	for _, present := range []bool{i.Instance != nil, i.User != nil, i.Macro != nil, i.Progression != nil, i.FS != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("event inner must carry exactly one variant, got %d", set)
	}

	var ok bool
	switch i.Type {
	case EventKindInstance:
		ok = i.Instance != nil
	case EventKindUser:
		ok = i.User != nil
	case EventKindMacro:
		ok = i.Macro != nil
	case EventKindProgression:
		ok = i.Progression != nil
	case EventKindFS:
		ok = i.FS != nil
	default:
		return fmt.Errorf("invalid event kind: %q", i.Type)
	}
	if !ok {
		return fmt.Errorf("event kind %s does not match populated variant", i.Type)
	}
	return nil
}

// InstanceEventKind discriminates InstanceEventInner.
type InstanceEventKind string

const (
	InstanceEventStateTransition InstanceEventKind = "state_transition"
	InstanceEventInput           InstanceEventKind = "instance_input"
	InstanceEventOutput          InstanceEventKind = "instance_output"
	InstanceEventPlayerChange    InstanceEventKind = "player_change"
	InstanceEventPlayerMessage   InstanceEventKind = "player_message"
	InstanceEventWarning         InstanceEventKind = "instance_warning"
	InstanceEventError           InstanceEventKind = "instance_error"
	InstanceEventCreationFailed  InstanceEventKind = "instance_creation_failed"
)

// InstanceEvent is an event scoped to one instance.
type InstanceEvent struct {
	InstanceUUID InstanceUUID       `json:"instance_uuid" cbor:"instance_uuid"`
	InstanceName string             `json:"instance_name" cbor:"instance_name"`
	Inner        InstanceEventInner `json:"instance_event_inner" cbor:"instance_event_inner"`
}

// InstanceEventInner carries the fields of the variant named by Type.
type InstanceEventInner struct {
	Type          InstanceEventKind `json:"type" cbor:"type"`
	To            InstanceState     `json:"to,omitempty" cbor:"to,omitempty"`
	Message       string            `json:"message,omitempty" cbor:"message,omitempty"`
	Player        string            `json:"player,omitempty" cbor:"player,omitempty"`
	PlayerList    []Player          `json:"player_list,omitempty" cbor:"player_list,omitempty"`
	PlayersJoined []Player          `json:"players_joined,omitempty" cbor:"players_joined,omitempty"`
	PlayersLeft   []Player          `json:"players_left,omitempty" cbor:"players_left,omitempty"`
}

// UserEventKind discriminates UserEventInner.
type UserEventKind string

const (
	UserEventCreated   UserEventKind = "user_created"
	UserEventDeleted   UserEventKind = "user_deleted"
	UserEventLoggedIn  UserEventKind = "user_logged_in"
	UserEventLoggedOut UserEventKind = "user_logged_out"
)

// UserEvent is produced by the external authorization collaborator.
type UserEvent struct {
	UserID string        `json:"user_id" cbor:"user_id"`
	Type   UserEventKind `json:"user_event_inner" cbor:"user_event_inner"`
}

// MacroEventKind discriminates MacroEventInner.
type MacroEventKind string

const (
	MacroEventStarted MacroEventKind = "started"
	MacroEventDetach  MacroEventKind = "detach"
	MacroEventStopped MacroEventKind = "stopped"
)

// ExitStatus describes how a macro task ended.
type ExitStatus struct {
	Type    string    `json:"type" cbor:"type"` // success, killed, error
	Message string    `json:"message,omitempty" cbor:"message,omitempty"`
	Time    time.Time `json:"time" cbor:"time"`
}

// MacroEvent is an event scoped to one macro task.
type MacroEvent struct {
	MacroPID     MacroPID        `json:"macro_pid" cbor:"macro_pid"`
	InstanceUUID *InstanceUUID   `json:"instance_uuid,omitempty" cbor:"instance_uuid,omitempty"`
	Inner        MacroEventInner `json:"macro_event_inner" cbor:"macro_event_inner"`
}

// MacroEventInner carries the fields of the variant named by Type.
type MacroEventInner struct {
	Type       MacroEventKind `json:"type" cbor:"type"`
	ExitStatus *ExitStatus    `json:"exit_status,omitempty" cbor:"exit_status,omitempty"`
}

// ProgressionEventKind discriminates ProgressionEventInner.
type ProgressionEventKind string

const (
	ProgressionStart  ProgressionEventKind = "progression_start"
	ProgressionUpdate ProgressionEventKind = "progression_update"
	ProgressionEnd    ProgressionEventKind = "progression_end"
)

// ProgressionEvent reports progress of one long-running operation.
type ProgressionEvent struct {
	EventID ProgressionEventID    `json:"event_id" cbor:"event_id"`
	Inner   ProgressionEventInner `json:"progression_event_inner" cbor:"progression_event_inner"`
}

// ProgressionEventInner carries the fields of the variant named by Type.
type ProgressionEventInner struct {
	Type            ProgressionEventKind `json:"type" cbor:"type"`
	ProgressionName string               `json:"progression_name,omitempty" cbor:"progression_name,omitempty"`
	Total           *float64             `json:"total,omitempty" cbor:"total,omitempty"`
	ProgressMessage string               `json:"progress_message,omitempty" cbor:"progress_message,omitempty"`
	Progress        float64              `json:"progress,omitempty" cbor:"progress,omitempty"`
	Success         bool                 `json:"success,omitempty" cbor:"success,omitempty"`
	Message         string               `json:"message,omitempty" cbor:"message,omitempty"`
}

// FSOperation names a file-system action reported by external collaborators.
type FSOperation string

const (
	FSRead     FSOperation = "read"
	FSWrite    FSOperation = "write"
	FSMove     FSOperation = "move"
	FSCreate   FSOperation = "create"
	FSDelete   FSOperation = "delete"
	FSUpload   FSOperation = "upload"
	FSDownload FSOperation = "download"
)

// FSEvent reports a file-system operation.
type FSEvent struct {
	Operation FSOperation `json:"operation" cbor:"operation"`
	Target    string      `json:"target" cbor:"target"`
}

func newEvent(inner EventInner, details string, causedBy CausedBy) Event {
	return Event{
		Version:  EventVersion,
		Inner:    inner,
		Details:  details,
		CausedBy: causedBy,
	}
}

// NewInstanceEvent builds an unpublished instance event.
func NewInstanceEvent(uuid InstanceUUID, name string, inner InstanceEventInner, causedBy CausedBy) Event {
	return newEvent(EventInner{
		Type:     EventKindInstance,
		Instance: &InstanceEvent{InstanceUUID: uuid, InstanceName: name, Inner: inner},
	}, "", causedBy)
}

// NewStateTransitionEvent builds the event published on every lifecycle step.
func NewStateTransitionEvent(uuid InstanceUUID, name string, to InstanceState, causedBy CausedBy) Event {
	e := NewInstanceEvent(uuid, name, InstanceEventInner{Type: InstanceEventStateTransition, To: to}, causedBy)
	e.Details = fmt.Sprintf("instance %s is now %s", name, to)
	return e
}

// NewInstanceOutputEvent builds a console output event.
func NewInstanceOutputEvent(uuid InstanceUUID, name, message string) Event {
	return NewInstanceEvent(uuid, name, InstanceEventInner{Type: InstanceEventOutput, Message: message}, CausedByInstance(uuid))
}

// NewMacroEvent builds an unpublished macro event.
func NewMacroEvent(pid MacroPID, instance *InstanceUUID, inner MacroEventInner, causedBy CausedBy) Event {
	return newEvent(EventInner{
		Type:  EventKindMacro,
		Macro: &MacroEvent{MacroPID: pid, InstanceUUID: instance, Inner: inner},
	}, "", causedBy)
}

// NewProgressionEvent builds an unpublished progression event.
func NewProgressionEvent(id ProgressionEventID, inner ProgressionEventInner, causedBy CausedBy) Event {
	return newEvent(EventInner{
		Type:        EventKindProgression,
		Progression: &ProgressionEvent{EventID: id, Inner: inner},
	}, "", causedBy)
}

// NewUserEvent builds an unpublished user event.
func NewUserEvent(userID string, kind UserEventKind, causedBy CausedBy) Event {
	return newEvent(EventInner{
		Type: EventKindUser,
		User: &UserEvent{UserID: userID, Type: kind},
	}, "", causedBy)
}

// NewFSEvent builds an unpublished file-system event.
func NewFSEvent(op FSOperation, target string, causedBy CausedBy) Event {
	return newEvent(EventInner{
		Type: EventKindFS,
		FS:   &FSEvent{Operation: op, Target: target},
	}, "", causedBy)
}

// InstanceUUID returns the instance an event concerns, if any.
func (e Event) InstanceUUID() (InstanceUUID, bool) {
	switch {
	case e.Inner.Instance != nil:
		return e.Inner.Instance.InstanceUUID, true
	case e.Inner.Macro != nil && e.Inner.Macro.InstanceUUID != nil:
		return *e.Inner.Macro.InstanceUUID, true
	}
	return "", false
}

// Validate checks structural integrity of the event.
func (e Event) Validate() error {
	if err := e.Inner.Validate(); err != nil {
		return err
	}
	return e.CausedBy.Validate()
}
