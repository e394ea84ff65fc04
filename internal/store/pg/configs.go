package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tenantry.org/internal/cascade"
	"tenantry.org/internal/invalidate"
)

const notifySource = "pg"

// Load reads the three configuration levels of module for one tenant.
func (s *Store) Load(ctx context.Context, module, orgID, workspaceID string) (cascade.Levels, error) {
	if s.db == nil {
		return cascade.Levels{}, errNoDB
	}
	var lv cascade.Levels
	sys, err := s.System(ctx, module)
	switch {
	case err == nil:
		lv.System = &sys
	case !errors.Is(err, cascade.ErrNotFound):
		return cascade.Levels{}, err
	}
	if orgID != "" {
		o, err := s.OrgOverride(ctx, orgID, module)
		switch {
		case err == nil:
			lv.Org = &o
		case !errors.Is(err, cascade.ErrNotFound):
			return cascade.Levels{}, err
		}
	}
	if workspaceID != "" {
		o, err := s.WorkspaceOverride(ctx, workspaceID, module)
		switch {
		case err == nil:
			lv.Workspace = &o
		case !errors.Is(err, cascade.ErrNotFound):
			return cascade.Levels{}, err
		}
	}
	return lv, nil
}

func (s *Store) System(ctx context.Context, module string) (cascade.SystemConfig, error) {
	if s.db == nil {
		return cascade.SystemConfig{}, errNoDB
	}
	cfg := cascade.SystemConfig{Module: module}
	var settings, flags []byte
	err := s.db.QueryRowContext(ctx, `
		select installed, enabled, settings, feature_flags
		from module_configs
		where module = $1
	`, module).Scan(&cfg.Installed, &cfg.Enabled, &settings, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return cascade.SystemConfig{}, cascade.ErrNotFound
	}
	if err != nil {
		return cascade.SystemConfig{}, err
	}
	if cfg.Settings, cfg.FeatureFlags, err = decodeMaps(settings, flags); err != nil {
		return cascade.SystemConfig{}, fmt.Errorf("decode system config %s: %w", module, err)
	}
	return cfg, nil
}

// PutSystem upserts the system default and notifies listeners in the same
// transaction.
func (s *Store) PutSystem(ctx context.Context, cfg cascade.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings, flags, err := encodeMaps(cfg.Settings, cfg.FeatureFlags)
	if err != nil {
		return err
	}
	return s.withNotify(ctx, invalidate.Event{Module: cfg.Module}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into module_configs(module, installed, enabled, settings, feature_flags, updated_at)
			values ($1, $2, $3, $4, $5, now())
			on conflict (module) do update
			set installed = excluded.installed,
			    enabled = excluded.enabled,
			    settings = excluded.settings,
			    feature_flags = excluded.feature_flags,
			    updated_at = now()
		`, cfg.Module, cfg.Installed, cfg.Enabled, settings, flags)
		return err
	})
}

func (s *Store) OrgOverride(ctx context.Context, orgID, module string) (cascade.Override, error) {
	return s.getOverride(ctx, `
		select enabled, settings, feature_flags
		from org_module_overrides
		where org_id = $1 and module = $2
	`, orgID, module)
}

func (s *Store) PutOrgOverride(ctx context.Context, orgID, module string, o cascade.Override) error {
	return s.putOverride(ctx, invalidate.Event{Module: module, OrgID: orgID}, `
		insert into org_module_overrides(org_id, module, enabled, settings, feature_flags, updated_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (org_id, module) do update
		set enabled = excluded.enabled,
		    settings = excluded.settings,
		    feature_flags = excluded.feature_flags,
		    updated_at = now()
	`, orgID, module, o)
}

func (s *Store) DeleteOrgOverride(ctx context.Context, orgID, module string) error {
	return s.deleteOverride(ctx, invalidate.Event{Module: module, OrgID: orgID},
		`delete from org_module_overrides where org_id = $1 and module = $2`, orgID, module)
}

func (s *Store) WorkspaceOverride(ctx context.Context, workspaceID, module string) (cascade.Override, error) {
	return s.getOverride(ctx, `
		select enabled, settings, feature_flags
		from workspace_module_overrides
		where workspace_id = $1 and module = $2
	`, workspaceID, module)
}

func (s *Store) PutWorkspaceOverride(ctx context.Context, workspaceID, module string, o cascade.Override) error {
	return s.putOverride(ctx, invalidate.Event{Module: module, WorkspaceID: workspaceID}, `
		insert into workspace_module_overrides(workspace_id, module, enabled, settings, feature_flags, updated_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (workspace_id, module) do update
		set enabled = excluded.enabled,
		    settings = excluded.settings,
		    feature_flags = excluded.feature_flags,
		    updated_at = now()
	`, workspaceID, module, o)
}

func (s *Store) DeleteWorkspaceOverride(ctx context.Context, workspaceID, module string) error {
	return s.deleteOverride(ctx, invalidate.Event{Module: module, WorkspaceID: workspaceID},
		`delete from workspace_module_overrides where workspace_id = $1 and module = $2`, workspaceID, module)
}

func (s *Store) getOverride(ctx context.Context, query, scopeID, module string) (cascade.Override, error) {
	if s.db == nil {
		return cascade.Override{}, errNoDB
	}
	var (
		enabled         sql.NullBool
		settings, flags []byte
		o               cascade.Override
	)
	err := s.db.QueryRowContext(ctx, query, scopeID, module).Scan(&enabled, &settings, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return cascade.Override{}, cascade.ErrNotFound
	}
	if err != nil {
		return cascade.Override{}, err
	}
	if enabled.Valid {
		v := enabled.Bool
		o.Enabled = &v
	}
	if o.Settings, o.FeatureFlags, err = decodeMaps(settings, flags); err != nil {
		return cascade.Override{}, fmt.Errorf("decode override %s/%s: %w", scopeID, module, err)
	}
	return o, nil
}

func (s *Store) putOverride(ctx context.Context, evt invalidate.Event, query, scopeID, module string, o cascade.Override) error {
	if err := o.Validate(); err != nil {
		return err
	}
	settings, flags, err := encodeMaps(o.Settings, o.FeatureFlags)
	if err != nil {
		return err
	}
	var enabled sql.NullBool
	if o.Enabled != nil {
		enabled = sql.NullBool{Bool: *o.Enabled, Valid: true}
	}
	return s.withNotify(ctx, evt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, scopeID, module, enabled, settings, flags)
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: %s", cascade.ErrNotFound, pgErr.Detail)
		}
		return err
	})
}

func (s *Store) deleteOverride(ctx context.Context, evt invalidate.Event, query, scopeID, module string) error {
	return s.withNotify(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, scopeID, module)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return cascade.ErrNotFound
		}
		return nil
	})
}

// withNotify runs fn and a pg_notify for evt in one transaction, so peers
// only hear about committed writes.
func (s *Store) withNotify(ctx context.Context, evt invalidate.Event, fn func(tx *sql.Tx) error) (err error) {
	if s.db == nil {
		return errNoDB
	}
	evt.Source = notifySource
	evt.At = time.Now().UTC()
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `select pg_notify($1, $2)`, s.channel, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// encodeMaps renders the JSONB columns. Absent maps become SQL NULL.
func encodeMaps(settings map[string]any, flags map[string]bool) (any, any, error) {
	var sv, fv any
	if settings != nil {
		b, err := json.Marshal(settings)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", cascade.ErrInvalidSetting, err)
		}
		sv = b
	}
	if flags != nil {
		b, err := json.Marshal(flags)
		if err != nil {
			return nil, nil, err
		}
		fv = b
	}
	return sv, fv, nil
}

func decodeMaps(settings, flags []byte) (map[string]any, map[string]bool, error) {
	var (
		sm map[string]any
		fm map[string]bool
	)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &sm); err != nil {
			return nil, nil, err
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &fm); err != nil {
			return nil, nil, err
		}
	}
	return sm, fm, nil
}
