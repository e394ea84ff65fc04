package cascade

import (
	"encoding/json"
	"errors"
	"strings"
)

// Modules shipped with the platform. Configuration for any other name
// resolves as not installed.
const (
	ModuleChat      = "chat"
	ModuleKB        = "kb"
	ModuleEval      = "eval"
	ModuleVoice     = "voice"
	ModuleWorkspace = "workspace"
	ModuleAccess    = "access"
	ModuleAI        = "ai"
	ModuleMgmt      = "mgmt"
)

// KnownModules lists the shipped modules in display order.
var KnownModules = []string{
	ModuleChat,
	ModuleKB,
	ModuleEval,
	ModuleVoice,
	ModuleWorkspace,
	ModuleAccess,
	ModuleAI,
	ModuleMgmt,
}

var (
	ErrUnknownModule  = errors.New("cascade: unknown module")
	ErrInvalidSetting = errors.New("cascade: invalid setting key")
)

// IsKnownModule reports whether name is one of KnownModules.
func IsKnownModule(name string) bool {
	name = strings.TrimSpace(name)
	for _, m := range KnownModules {
		if m == name {
			return true
		}
	}
	return false
}

// SystemConfig is the system-wide default record of a module.
type SystemConfig struct {
	Module       string          `json:"module"`
	Installed    bool            `json:"installed"`
	Enabled      bool            `json:"enabled"`
	Settings     map[string]any  `json:"settings,omitempty"`
	FeatureFlags map[string]bool `json:"featureFlags,omitempty"`
}

// Override is an org or workspace level override. A nil Enabled places no
// restriction on the level.
type Override struct {
	Enabled      *bool           `json:"enabled,omitempty"`
	Settings     map[string]any  `json:"settings,omitempty"`
	FeatureFlags map[string]bool `json:"featureFlags,omitempty"`
}

// Validate rejects blank setting and flag keys.
func (o Override) Validate() error {
	return validateKeys(o.Settings, o.FeatureFlags)
}

// Validate rejects blank module names and setting keys.
func (c SystemConfig) Validate() error {
	if strings.TrimSpace(c.Module) == "" {
		return ErrUnknownModule
	}
	return validateKeys(c.Settings, c.FeatureFlags)
}

func validateKeys(settings map[string]any, flags map[string]bool) error {
	for k := range settings {
		if strings.TrimSpace(k) == "" {
			return ErrInvalidSetting
		}
	}
	for k := range flags {
		if strings.TrimSpace(k) == "" {
			return ErrInvalidSetting
		}
	}
	return nil
}

// Levels is the raw material of one resolution as returned by a Store.
// A nil System means the module has no system record.
type Levels struct {
	System    *SystemConfig
	Org       *Override
	Workspace *Override
}

// Resolved is the effective configuration of a module for one tenant.
// Values are copied on the way in and on the way out.
type Resolved struct {
	module    string
	available bool
	settings  map[string]any
	flags     map[string]bool
}

// Module returns the module name the value was resolved for.
func (r Resolved) Module() string { return r.module }

// Available reports whether the module is installed and enabled on every level.
func (r Resolved) Available() bool { return r.available }

// Setting returns one effective setting.
func (r Resolved) Setting(key string) (any, bool) {
	v, ok := r.settings[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Settings returns a copy of all effective settings.
func (r Resolved) Settings() map[string]any {
	out := make(map[string]any, len(r.settings))
	for k, v := range r.settings {
		out[k] = cloneValue(v)
	}
	return out
}

// FeatureFlag returns the effective value of a flag; unknown flags are off.
func (r Resolved) FeatureFlag(key string) bool {
	return r.flags[key]
}

// FeatureFlags returns a copy of all effective flags.
func (r Resolved) FeatureFlags() map[string]bool {
	out := make(map[string]bool, len(r.flags))
	for k, v := range r.flags {
		out[k] = v
	}
	return out
}

type resolvedJSON struct {
	Module       string          `json:"module"`
	IsAvailable  bool            `json:"isAvailable"`
	Settings     map[string]any  `json:"settings"`
	FeatureFlags map[string]bool `json:"featureFlags"`
}

// MarshalJSON renders the value with sorted keys, so equal values encode to
// identical bytes.
func (r Resolved) MarshalJSON() ([]byte, error) {
	return json.Marshal(resolvedJSON{
		Module:       r.module,
		IsAvailable:  r.available,
		Settings:     r.Settings(),
		FeatureFlags: r.FeatureFlags(),
	})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (r *Resolved) UnmarshalJSON(data []byte) error {
	var raw resolvedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.module = raw.Module
	r.available = raw.IsAvailable
	r.settings = map[string]any{}
	for k, v := range raw.Settings {
		r.settings[k] = v
	}
	r.flags = map[string]bool{}
	for k, v := range raw.FeatureFlags {
		r.flags[k] = v
	}
	return nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
