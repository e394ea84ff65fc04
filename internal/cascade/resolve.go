package cascade

// Resolve merges the system defaults of a module with the optional org and
// workspace overrides. It reads nothing but its arguments.
//
// Enablement is the conjunction of every present level, so a level can only
// narrow what its ancestors allow. A module that is not installed resolves as
// unavailable with no settings. Settings and feature flags are merged key by
// key, workspace over org over system; nested values are replaced, not merged.
func Resolve(module string, sys SystemConfig, org, ws *Override) Resolved {
	r := Resolved{
		module:   module,
		settings: map[string]any{},
		flags:    map[string]bool{},
	}
	if !sys.Installed {
		return r
	}

	enabled := sys.Enabled
	for _, o := range []*Override{org, ws} {
		if o != nil && o.Enabled != nil {
			enabled = enabled && *o.Enabled
		}
	}
	r.available = enabled

	mergeSettings(r.settings, sys.Settings)
	mergeFlags(r.flags, sys.FeatureFlags)
	for _, o := range []*Override{org, ws} {
		if o == nil {
			continue
		}
		mergeSettings(r.settings, o.Settings)
		mergeFlags(r.flags, o.FeatureFlags)
	}
	return r
}

// ResolveLevels resolves the levels returned by a Store. A missing system
// record resolves as not installed.
func ResolveLevels(module string, lv Levels) Resolved {
	sys := SystemConfig{Module: module}
	if lv.System != nil {
		sys = *lv.System
	}
	return Resolve(module, sys, lv.Org, lv.Workspace)
}

// IsAvailable is the module availability gate. Request handling must consult
// it before any scope or resource check for the module.
func IsAvailable(r Resolved) bool {
	return r.available
}

func mergeSettings(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
}

func mergeFlags(dst, src map[string]bool) {
	for k, v := range src {
		dst[k] = v
	}
}
