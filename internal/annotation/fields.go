package annotation

import (
	"sort"
	"strings"

	"cellucid/annotation/internal/rbac"
)

// FieldConfig holds the per-field switches. A field accepts suggestions,
// votes, comments and merges only while Annotated; while Closed only authors
// may change it.
type FieldConfig struct {
	Annotated bool     `json:"annotated"`
	Closed    bool     `json:"closed"`
	Settings  Settings `json:"settings"`
}

func (e *Engine) Field(field string) FieldConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cfg, ok := e.fields[field]; ok {
		return *cfg
	}
	return FieldConfig{}
}

// Fields returns the configured field keys, sorted.
func (e *Engine) Fields() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.fields))
	for field := range e.fields {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) FieldAnnotated(field string) bool {
	return e.Field(field).Annotated
}

func (e *Engine) FieldClosed(field string) bool {
	return e.Field(field).Closed
}

// FieldSettings returns the effective settings for a field.
func (e *Engine) FieldSettings(field string) Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settingsLocked(field)
}

func (e *Engine) settingsLocked(field string) Settings {
	if cfg, ok := e.fields[field]; ok {
		return cfg.Settings.withDefaults(e.defaults)
	}
	return e.defaults
}

func (e *Engine) SetFieldAnnotated(field string, annotated bool, actor Actor) error {
	return e.configureField(field, actor, func(cfg *FieldConfig) { cfg.Annotated = annotated })
}

func (e *Engine) SetFieldClosed(field string, closed bool, actor Actor) error {
	return e.configureField(field, actor, func(cfg *FieldConfig) { cfg.Closed = closed })
}

func (e *Engine) SetFieldSettings(field string, s Settings, actor Actor) error {
	if err := validateStruct(s); err != nil {
		return err
	}
	return e.configureField(field, actor, func(cfg *FieldConfig) { cfg.Settings = s })
}

func (e *Engine) configureField(field string, actor Actor, apply func(*FieldConfig)) error {
	field = strings.TrimSpace(field)
	if field == "" {
		return invalid("fieldKey", "is required")
	}
	return e.mutate(func() (Change, error) {
		if strings.TrimSpace(actor.Username) == "" || !rbac.Can(actor.Role, rbac.ActionConfigure) {
			return Change{}, forbidden(actor, rbac.ActionConfigure, "only authors may configure fields")
		}
		cfg, ok := e.fields[field]
		if !ok {
			cfg = &FieldConfig{}
			e.fields[field] = cfg
		}
		apply(cfg)
		return Change{Op: OpFieldConfig, Field: field, Actor: actor.Username}, nil
	})
}
