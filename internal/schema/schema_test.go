package schema

import (
	"errors"
	"testing"
)

const validConfig = `{
	"blocks": [
		{
			"label": "profile",
			"fields": [
				{"name": "bio", "type": "string", "max": 2000},
				{"name": "grade_level", "type": "int", "max": 13},
				{"name": "interests", "type": "list", "max": 32},
				{"name": "preferred_style", "type": "string", "options": ["socratic", "direct", "exploratory"], "default": "socratic"},
				{"name": "onboarded", "type": "bool", "default": false}
			]
		},
		{
			"label": "observations",
			"shared": true,
			"fields": [
				{"name": "notes", "type": "string"},
				{"name": "engagement", "type": "float"},
				{"name": "last_session", "type": "timestamp"}
			]
		}
	]
}`

func TestParseValidConfig(t *testing.T) {
	blocks, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Label != "profile" || blocks[1].Label != "observations" {
		t.Errorf("unexpected labels: %q, %q", blocks[0].Label, blocks[1].Label)
	}
	if blocks[0].Shared {
		t.Errorf("expected profile to be unshared")
	}
	if !blocks[1].Shared {
		t.Errorf("expected observations to be shared")
	}
	spec, ok := blocks[0].Field("preferred_style")
	if !ok {
		t.Fatalf("expected preferred_style field")
	}
	if len(spec.Options) != 3 {
		t.Errorf("expected 3 options, got %d", len(spec.Options))
	}
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "unknown field type",
			raw:  `{"blocks": [{"label": "a", "fields": [{"name": "x", "type": "decimal"}]}]}`,
		},
		{
			name: "duplicate block label",
			raw:  `{"blocks": [{"label": "a", "fields": [{"name": "x", "type": "string"}]}, {"label": "a", "fields": [{"name": "y", "type": "string"}]}]}`,
		},
		{
			name: "duplicate field name",
			raw:  `{"blocks": [{"label": "a", "fields": [{"name": "x", "type": "string"}, {"name": "x", "type": "int"}]}]}`,
		},
		{
			name: "options on non-string field",
			raw:  `{"blocks": [{"label": "a", "fields": [{"name": "x", "type": "int", "options": ["1"]}]}]}`,
		},
		{
			name: "default wrong type",
			raw:  `{"blocks": [{"label": "a", "fields": [{"name": "x", "type": "int", "default": "five"}]}]}`,
		},
		{
			name: "empty fields",
			raw:  `{"blocks": [{"label": "a", "fields": []}]}`,
		},
		{
			name: "missing blocks key",
			raw:  `{}`,
		},
		{
			name: "not json",
			raw:  `label: profile`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected *ConfigError, got %T", err)
			}
		})
	}
}

func TestRegistryReloadBumpsGeneration(t *testing.T) {
	reg, err := Load([]byte(validConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := reg.Generation(); got != 1 {
		t.Fatalf("expected generation 1, got %d", got)
	}
	if _, ok := reg.Get("profile"); !ok {
		t.Fatalf("expected profile block")
	}

	next := `{"blocks": [{"label": "profile", "fields": [{"name": "bio", "type": "string"}]}]}`
	if err := reg.Reload([]byte(next)); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reg.Generation(); got != 2 {
		t.Errorf("expected generation 2, got %d", got)
	}
	if _, ok := reg.Get("observations"); ok {
		t.Errorf("expected observations to be gone after reload")
	}
}

func TestRegistryReloadKeepsActiveOnError(t *testing.T) {
	reg, err := Load([]byte(validConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := reg.Reload([]byte(`{"blocks": [{"label": "", "fields": []}]}`)); err == nil {
		t.Fatalf("expected reload error")
	}
	if got := reg.Generation(); got != 1 {
		t.Errorf("expected generation to stay 1, got %d", got)
	}
	labels := reg.Labels()
	if len(labels) != 2 || labels[0] != "profile" {
		t.Errorf("expected original labels, got %v", labels)
	}
}
