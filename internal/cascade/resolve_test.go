package cascade

import (
	"bytes"
	"encoding/json"
	"testing"
)

func boolPtr(v bool) *bool { return &v }

func TestResolveNotInstalledShortCircuits(t *testing.T) {
	sys := SystemConfig{Module: ModuleVoice, Installed: false, Enabled: true, Settings: map[string]any{"codec": "opus"}}
	ws := &Override{Enabled: boolPtr(true), Settings: map[string]any{"codec": "pcm"}}

	got := Resolve(ModuleVoice, sys, nil, ws)
	if got.Available() {
		t.Fatalf("module that is not installed must be unavailable")
	}
	if len(got.Settings()) != 0 || len(got.FeatureFlags()) != 0 {
		t.Fatalf("expected no settings for uninstalled module, got %v %v", got.Settings(), got.FeatureFlags())
	}
}

func TestResolveEnablementIsConjunction(t *testing.T) {
	cases := []struct {
		name string
		sys  bool
		org  *bool
		ws   *bool
		want bool
	}{
		{"all absent", true, nil, nil, true},
		{"system disabled", false, nil, nil, false},
		{"system disabled beats overrides", false, boolPtr(true), boolPtr(true), false},
		{"org disables", true, boolPtr(false), nil, false},
		{"org disables workspace cannot widen", true, boolPtr(false), boolPtr(true), false},
		{"workspace disables", true, boolPtr(true), boolPtr(false), false},
		{"explicit enables", true, boolPtr(true), boolPtr(true), true},
	}
	for _, tc := range cases {
		sys := SystemConfig{Module: ModuleKB, Installed: true, Enabled: tc.sys}
		var org, ws *Override
		if tc.org != nil {
			org = &Override{Enabled: tc.org}
		}
		if tc.ws != nil {
			ws = &Override{Enabled: tc.ws}
		}
		if got := IsAvailable(Resolve(ModuleKB, sys, org, ws)); got != tc.want {
			t.Fatalf("%s: available=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResolveOrgDisableAppliesToEveryWorkspace(t *testing.T) {
	sys := SystemConfig{Module: ModuleVoice, Installed: true, Enabled: true}
	org := &Override{Enabled: boolPtr(false)}
	for _, ws := range []*Override{nil, {}, {Enabled: boolPtr(true)}, {Enabled: boolPtr(false)}} {
		if Resolve(ModuleVoice, sys, org, ws).Available() {
			t.Fatalf("voice must be unavailable under a disabling org, workspace override %+v", ws)
		}
	}
}

func TestResolveMostSpecificLevelWinsPerKey(t *testing.T) {
	sys := SystemConfig{
		Module:       ModuleChat,
		Installed:    true,
		Enabled:      true,
		Settings:     map[string]any{"model": "base", "max_tokens": 1024.0, "retention": map[string]any{"days": 30.0, "archive": true}},
		FeatureFlags: map[string]bool{"streaming": true, "citations": false},
	}
	org := &Override{
		Settings:     map[string]any{"model": "org-model", "retention": map[string]any{"days": 7.0}},
		FeatureFlags: map[string]bool{"citations": true},
	}
	ws := &Override{
		Settings:     map[string]any{"max_tokens": 256.0},
		FeatureFlags: map[string]bool{"streaming": false},
	}

	got := Resolve(ModuleChat, sys, org, ws)
	if v, _ := got.Setting("model"); v != "org-model" {
		t.Fatalf("model=%v, want org-model", v)
	}
	if v, _ := got.Setting("max_tokens"); v != 256.0 {
		t.Fatalf("max_tokens=%v, want 256", v)
	}
	retention, _ := got.Setting("retention")
	nested, ok := retention.(map[string]any)
	if !ok {
		t.Fatalf("retention has type %T", retention)
	}
	if _, ok := nested["archive"]; ok {
		t.Fatalf("nested values must be replaced, not merged: %v", nested)
	}
	if got.FeatureFlag("streaming") || !got.FeatureFlag("citations") {
		t.Fatalf("unexpected flags %v", got.FeatureFlags())
	}
	if got.FeatureFlag("unknown") {
		t.Fatalf("unknown flags must be off")
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	sys := SystemConfig{
		Module:       ModuleEval,
		Installed:    true,
		Enabled:      true,
		Settings:     map[string]any{"z": 1.0, "a": "x", "m": []any{"b", "a"}},
		FeatureFlags: map[string]bool{"q": true, "b": false},
	}
	org := &Override{Settings: map[string]any{"k": "org"}}

	first, err := json.Marshal(Resolve(ModuleEval, sys, org, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := json.Marshal(Resolve(ModuleEval, sys, org, nil))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("resolution %d differs:\n%s\n%s", i, first, next)
		}
	}
}

func TestResolvedIsIsolatedFromInputsAndCallers(t *testing.T) {
	settings := map[string]any{"limits": map[string]any{"rpm": 10.0}}
	sys := SystemConfig{Module: ModuleAI, Installed: true, Enabled: true, Settings: settings}
	got := Resolve(ModuleAI, sys, nil, nil)

	settings["limits"].(map[string]any)["rpm"] = 99.0
	out := got.Settings()
	out["limits"].(map[string]any)["rpm"] = 42.0

	v, _ := got.Setting("limits")
	if rpm := v.(map[string]any)["rpm"]; rpm != 10.0 {
		t.Fatalf("resolved value was mutated: rpm=%v", rpm)
	}
}

func TestResolveLevelsWithoutSystemRecord(t *testing.T) {
	got := ResolveLevels("billing", Levels{Org: &Override{Enabled: boolPtr(true)}})
	if got.Available() {
		t.Fatalf("module without a system record must be unavailable")
	}
	if got.Module() != "billing" {
		t.Fatalf("module=%q", got.Module())
	}
}

func TestResolvedJSONRoundTrip(t *testing.T) {
	sys := SystemConfig{Module: ModuleKB, Installed: true, Enabled: true, Settings: map[string]any{"chunk": 512.0}, FeatureFlags: map[string]bool{"rerank": true}}
	want := Resolve(ModuleKB, sys, nil, nil)
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Resolved
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	again, _ := json.Marshal(got)
	if !bytes.Equal(data, again) {
		t.Fatalf("round trip changed encoding:\n%s\n%s", data, again)
	}
}

func TestOverrideValidateRejectsBlankKeys(t *testing.T) {
	if err := (Override{Settings: map[string]any{" ": 1}}).Validate(); err == nil {
		t.Fatalf("expected blank setting key to be rejected")
	}
	if err := (SystemConfig{Module: ""}).Validate(); err == nil {
		t.Fatalf("expected blank module to be rejected")
	}
	if !IsKnownModule("kb") || IsKnownModule("billing") {
		t.Fatalf("IsKnownModule mismatch")
	}
}
