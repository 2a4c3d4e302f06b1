package ingestor_test

import (
	"reflect"
	"testing"

	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
)

func TestMergeOverridesAppliesOnlyWhitelistedKeys(t *testing.T) {
	template := map[string]string{"intervalMs": "5000", "eventType": "poll"}
	overrides := map[string]string{"intervalMs": "1000", "webhookSecret": "should-not-apply"}

	merged := ingestor.MergeOverrides("poll", template, overrides)

	if merged["intervalMs"] != "1000" {
		t.Errorf("expected intervalMs override to apply, got %q", merged["intervalMs"])
	}
	if _, present := merged["webhookSecret"]; present {
		t.Error("expected webhookSecret override to be dropped for poll ingestor type")
	}
}

func TestMergeOverridesDoesNotMutateTemplate(t *testing.T) {
	template := map[string]string{"intervalMs": "5000"}
	original := map[string]string{"intervalMs": "5000"}
	overrides := map[string]string{"intervalMs": "1000"}

	ingestor.MergeOverrides("poll", template, overrides)

	if !reflect.DeepEqual(template, original) {
		t.Errorf("template was mutated: got %v, want %v", template, original)
	}
}

func TestMergeOverridesUnknownTypeAppliesNothing(t *testing.T) {
	template := map[string]string{"a": "1"}
	overrides := map[string]string{"a": "2"}

	merged := ingestor.MergeOverrides("unknown-type", template, overrides)
	if merged["a"] != "1" {
		t.Errorf("expected template value preserved for unknown type, got %q", merged["a"])
	}
}
