package types

import "fmt"

// CausedByType discriminates the CausedBy tagged union.
type CausedByType string

const (
	// CausedBySystemType marks actions taken by warden itself.
	CausedBySystemType CausedByType = "system"

	// CausedByUserType marks actions requested by an authenticated user.
	CausedByUserType CausedByType = "user"

	// CausedByInstanceType marks actions triggered by an instance's own logic.
	CausedByInstanceType CausedByType = "instance"

	// CausedByMacroType marks actions issued from a running macro.
	CausedByMacroType CausedByType = "macro"
)

// CausedBy records the provenance of an action or event.
// Exactly the fields belonging to Type are populated.
type CausedBy struct {
	Type         CausedByType `json:"type" cbor:"type"`
	UserID       string       `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	UserName     string       `json:"user_name,omitempty" cbor:"user_name,omitempty"`
	InstanceUUID InstanceUUID `json:"instance_uuid,omitempty" cbor:"instance_uuid,omitempty"`
	MacroPID     MacroPID     `json:"macro_pid,omitempty" cbor:"macro_pid,omitempty"`
}

// CausedBySystem returns the provenance tag for warden itself.
func CausedBySystem() CausedBy {
	return CausedBy{Type: CausedBySystemType}
}

// CausedByUser returns the provenance tag for a pre-authorized user.
func CausedByUser(userID, userName string) CausedBy {
	return CausedBy{Type: CausedByUserType, UserID: userID, UserName: userName}
}

// CausedByInstance returns the provenance tag for an instance.
func CausedByInstance(uuid InstanceUUID) CausedBy {
	return CausedBy{Type: CausedByInstanceType, InstanceUUID: uuid}
}

// CausedByMacro returns the provenance tag for a macro task.
func CausedByMacro(pid MacroPID) CausedBy {
	return CausedBy{Type: CausedByMacroType, MacroPID: pid}
}

// Validate checks that exactly the fields of the active variant are set.
func (c CausedBy) Validate() error {
	switch c.Type {
	case CausedBySystemType:
		if c.UserID != "" || c.InstanceUUID != "" || c.MacroPID != 0 {
			return fmt.Errorf("system provenance carries no identity")
		}
	case CausedByUserType:
		if c.UserID == "" {
			return fmt.Errorf("user provenance requires user_id")
		}
	case CausedByInstanceType:
		if c.InstanceUUID == "" {
			return fmt.Errorf("instance provenance requires instance_uuid")
		}
	case CausedByMacroType:
		if c.MacroPID == 0 {
			return fmt.Errorf("macro provenance requires macro_pid")
		}
	default:
		return fmt.Errorf("invalid caused_by type: %q", c.Type)
	}
	return nil
}

// String renders the provenance for logs.
func (c CausedBy) String() string {
	switch c.Type {
	case CausedByUserType:
		return fmt.Sprintf("user:%s(%s)", c.UserName, c.UserID)
	case CausedByInstanceType:
		return "instance:" + c.InstanceUUID.String()
	case CausedByMacroType:
		return "macro:" + c.MacroPID.String()
	default:
		return "system"
	}
}
