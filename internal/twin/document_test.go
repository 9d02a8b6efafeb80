package twin

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseFullTwin(t *testing.T) {
	payload := []byte(`{"desired":{"foo":"bar","ahoj":"bye","next":"next","$version":10},"reported":{"$version":1}}`)
	desired, reported, err := parseFullTwin(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if desired.version != 10 || reported.version != 1 {
		t.Fatalf("unexpected versions %d/%d", desired.version, reported.version)
	}
	if len(desired.properties) != 3 || desired.properties["foo"] != "bar" {
		t.Fatalf("unexpected desired properties %v", desired.properties)
	}
	if len(reported.properties) != 0 {
		t.Fatalf("expected empty reported properties, got %v", reported.properties)
	}
	if _, ok := desired.properties["$version"]; ok {
		t.Fatal("$version must be stripped")
	}
}

func TestParseFullTwinMissingVersion(t *testing.T) {
	if _, _, err := parseFullTwin([]byte(`{"desired":{"a":1},"reported":{"$version":1}}`)); err == nil {
		t.Fatal("expected error for missing $version")
	}
}

func TestApplyMergePatch(t *testing.T) {
	target := map[string]any{
		"foo":   "bar",
		"lorem": "ipsum",
		"ahoj":  "bye",
		"next":  "next",
	}
	patch := map[string]any{
		"ahoj": "hi",
		"next": float64(42),
		"foo":  nil,
	}
	got := applyMergePatch(target, patch)
	want := map[string]any{
		"lorem": "ipsum",
		"ahoj":  "hi",
		"next":  float64(42),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestApplyMergePatchNested(t *testing.T) {
	target := map[string]any{
		"cfg": map[string]any{"interval": float64(5), "unit": "s"},
	}
	patch := map[string]any{
		"cfg": map[string]any{"interval": float64(10), "unit": nil},
	}
	got := applyMergePatch(target, patch)
	cfg := got["cfg"].(map[string]any)
	if cfg["interval"] != float64(10) {
		t.Fatalf("expected interval replaced, got %v", cfg)
	}
	if _, ok := cfg["unit"]; ok {
		t.Fatal("expected nested null to delete the member")
	}
}

func TestDiffObjects(t *testing.T) {
	current := map[string]any{
		"keep":    "same",
		"change":  float64(1),
		"remove":  true,
		"nested":  map[string]any{"a": float64(1), "b": float64(2)},
		"replace": map[string]any{"x": float64(1)},
	}
	target := map[string]any{
		"keep":    "same",
		"change":  float64(2),
		"add":     "new",
		"nested":  map[string]any{"a": float64(1), "b": float64(3)},
		"replace": "scalar",
	}
	patch := diffObjects(current, target)

	if patch["remove"] != nil {
		t.Fatalf("expected removal to be null, got %v", patch["remove"])
	}
	if _, ok := patch["remove"]; !ok {
		t.Fatal("expected removal member present")
	}
	if _, ok := patch["keep"]; ok {
		t.Fatal("unchanged member must not appear in the patch")
	}
	if patch["change"] != float64(2) || patch["add"] != "new" {
		t.Fatalf("unexpected patch %v", patch)
	}
	nested, ok := patch["nested"].(map[string]any)
	if !ok || len(nested) != 1 || nested["b"] != float64(3) {
		t.Fatalf("expected nested diff, got %v", patch["nested"])
	}
	if patch["replace"] != "scalar" {
		t.Fatalf("expected object replaced by scalar, got %v", patch["replace"])
	}

	// Applying the diff must reproduce the target.
	applied := applyMergePatch(clonePatch(current), patch)
	aj, _ := json.Marshal(applied)
	tj, _ := json.Marshal(target)
	if string(aj) != string(tj) {
		t.Fatalf("diff does not round trip: %s vs %s", aj, tj)
	}
}

func TestDiffObjectsEqual(t *testing.T) {
	doc := map[string]any{"a": float64(1), "b": map[string]any{"c": "x"}}
	if patch := diffObjects(doc, clonePatch(doc)); len(patch) != 0 {
		t.Fatalf("expected empty patch, got %v", patch)
	}
}
