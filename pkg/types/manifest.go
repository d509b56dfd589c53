package types

import (
	"fmt"
	"sort"
)

// ValueType names the type of a configurable setting.
type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeInteger ValueType = "integer"
	ValueTypeFloat   ValueType = "float"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeEnum    ValueType = "enum"
)

// SettingManifest declares one configurable setting of a workload package.
type SettingManifest struct {
	SettingID    string    `json:"setting_id" yaml:"setting_id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	ValueType    ValueType `json:"value_type" yaml:"value_type"`
	Options      []string  `json:"options,omitempty" yaml:"options,omitempty"`
	DefaultValue any       `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	IsSecret     bool      `json:"is_secret,omitempty" yaml:"is_secret,omitempty"`
	IsRequired   bool      `json:"is_required,omitempty" yaml:"is_required,omitempty"`
	IsMutable    bool      `json:"is_mutable,omitempty" yaml:"is_mutable,omitempty"`
	// Constraint is an optional CUE expression the answer must unify with, e.g. ">=1 & <=65535".
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
}

// SectionManifest groups settings under one heading.
type SectionManifest struct {
	SectionID   string                     `json:"section_id" yaml:"section_id"`
	Name        string                     `json:"name" yaml:"name"`
	Description string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    map[string]SettingManifest `json:"settings" yaml:"settings"`
}

// SetupManifest is the configuration schema a workload package declares.
type SetupManifest struct {
	SettingSections map[string]SectionManifest `json:"setting_sections" yaml:"setting_sections"`
}

// SetupValue is the answer to a SetupManifest supplied at instance creation.
type SetupValue struct {
	Name            string                    `json:"name" yaml:"name"`
	Description     string                    `json:"description,omitempty" yaml:"description,omitempty"`
	AutoStart       bool                      `json:"auto_start" yaml:"auto_start"`
	RestartOnCrash  bool                      `json:"restart_on_crash" yaml:"restart_on_crash"`
	SettingSections map[string]map[string]any `json:"setting_sections" yaml:"setting_sections"`
}

// Setting looks up a declared setting by section and id.
func (m *SetupManifest) Setting(section, id string) (SettingManifest, bool) {
	sec, ok := m.SettingSections[section]
	if !ok {
		return SettingManifest{}, false
	}
	s, ok := sec.Settings[id]
	return s, ok
}

// Validate checks answers against the declared settings: required values present,
// undeclared values rejected, types matching. CUE constraints are checked by the config package.
func (m *SetupManifest) Validate(v SetupValue) error {
	if v.Name == "" {
		return fmt.Errorf("instance name is required")
	}

	for sectionID, answers := range v.SettingSections {
		for id := range answers {
			if _, ok := m.Setting(sectionID, id); !ok {
				return fmt.Errorf("setting %s.%s is not declared by the package", sectionID, id)
			}
		}
	}

	sectionIDs := make([]string, 0, len(m.SettingSections))
	for id := range m.SettingSections {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)

	for _, sectionID := range sectionIDs {
		section := m.SettingSections[sectionID]
		for id, setting := range section.Settings {
			val, ok := v.SettingSections[sectionID][id]
			if !ok || val == nil {
				if setting.IsRequired && setting.DefaultValue == nil {
					return fmt.Errorf("setting %s.%s is required", sectionID, id)
				}
				continue
			}
			if err := setting.checkType(val); err != nil {
				return fmt.Errorf("setting %s.%s: %w", sectionID, id, err)
			}
		}
	}
	return nil
}

// Resolved returns the answers with declared defaults filled in.
func (m *SetupManifest) Resolved(v SetupValue) map[string]map[string]any {
	out := make(map[string]map[string]any, len(m.SettingSections))
	for sectionID, section := range m.SettingSections {
		values := make(map[string]any, len(section.Settings))
		for id, setting := range section.Settings {
			if val, ok := v.SettingSections[sectionID][id]; ok && val != nil {
				values[id] = val
			} else if setting.DefaultValue != nil {
				values[id] = setting.DefaultValue
			}
		}
		out[sectionID] = values
	}
	return out
}

func (s SettingManifest) checkType(val any) error {
	switch s.ValueType {
	case ValueTypeString:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case ValueTypeInteger:
		switch n := val.(type) {
		case int, int64, int32, uint32, uint64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("expected integer, got %v", n)
			}
		default:
			return fmt.Errorf("expected integer, got %T", val)
		}
	case ValueTypeFloat:
		switch val.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", val)
		}
	case ValueTypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case ValueTypeEnum:
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected one of %v, got %T", s.Options, val)
		}
		for _, opt := range s.Options {
			if opt == str {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %v", str, s.Options)
	default:
		return fmt.Errorf("unknown value type %q", s.ValueType)
	}
	return nil
}
