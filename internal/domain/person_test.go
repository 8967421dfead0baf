package domain

import "testing"

func TestMergeProperties(t *testing.T) {
	existing := map[string]any{"plan": "free", "country": "SE"}
	set := map[string]any{"plan": "paid"}
	setOnce := map[string]any{"country": "US", "first_seen": "2021-03-01"}

	merged := MergeProperties(existing, set, setOnce)

	if merged["plan"] != "paid" {
		t.Fatalf("$set did not override: %v", merged)
	}
	if merged["country"] != "SE" {
		t.Fatalf("$set_once overrode an existing value: %v", merged)
	}
	if merged["first_seen"] != "2021-03-01" {
		t.Fatalf("$set_once did not fill a gap: %v", merged)
	}
	if existing["plan"] != "free" {
		t.Fatal("merge mutated its input")
	}
}

func TestPluginEventCopyIsolatesProperties(t *testing.T) {
	original := &PluginEvent{Event: "e", Properties: map[string]any{"a": 1}}
	dup := original.Copy()
	dup.Properties["b"] = 2

	if _, leaked := original.Properties["b"]; leaked {
		t.Fatal("copy shares the properties map")
	}
}
