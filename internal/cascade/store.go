package cascade

import (
	"context"
	"errors"
)

// ErrNotFound is returned by an OverrideStore for absent records.
var ErrNotFound = errors.New("cascade: no such record")

// OverrideStore reads and writes the raw configuration levels. Callers are
// responsible for raising an invalidation after every successful write.
type OverrideStore interface {
	System(ctx context.Context, module string) (SystemConfig, error)
	PutSystem(ctx context.Context, cfg SystemConfig) error

	OrgOverride(ctx context.Context, orgID, module string) (Override, error)
	PutOrgOverride(ctx context.Context, orgID, module string, o Override) error
	DeleteOrgOverride(ctx context.Context, orgID, module string) error

	WorkspaceOverride(ctx context.Context, workspaceID, module string) (Override, error)
	PutWorkspaceOverride(ctx context.Context, workspaceID, module string, o Override) error
	DeleteWorkspaceOverride(ctx context.Context, workspaceID, module string) error
}

// Clone returns a deep copy of the override.
func (o Override) Clone() Override {
	out := Override{}
	if o.Enabled != nil {
		v := *o.Enabled
		out.Enabled = &v
	}
	if o.Settings != nil {
		out.Settings = make(map[string]any, len(o.Settings))
		mergeSettings(out.Settings, o.Settings)
	}
	if o.FeatureFlags != nil {
		out.FeatureFlags = make(map[string]bool, len(o.FeatureFlags))
		mergeFlags(out.FeatureFlags, o.FeatureFlags)
	}
	return out
}

// Clone returns a deep copy of the system config.
func (c SystemConfig) Clone() SystemConfig {
	out := c
	out.Settings = nil
	out.FeatureFlags = nil
	if c.Settings != nil {
		out.Settings = make(map[string]any, len(c.Settings))
		mergeSettings(out.Settings, c.Settings)
	}
	if c.FeatureFlags != nil {
		out.FeatureFlags = make(map[string]bool, len(c.FeatureFlags))
		mergeFlags(out.FeatureFlags, c.FeatureFlags)
	}
	return out
}
