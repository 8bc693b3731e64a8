package service

import (
	"strings"
	"testing"
)

func TestResolveEnv_InheritsParentEnvironment(t *testing.T) {
	t.Setenv("PROOFSCAN_PARENT_MARKER", "from-parent")
	t.Setenv("PROOFSCAN_OVERRIDDEN", "parent-value")

	env, err := resolveEnv(nil, map[string]string{
		"EXTRA":                "configured",
		"PROOFSCAN_OVERRIDDEN": "target-value",
	})
	if err != nil {
		t.Fatal(err)
	}

	byKey := make(map[string][]string)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			t.Fatalf("malformed entry %q", kv)
		}
		byKey[k] = append(byKey[k], v)
	}

	if got := byKey["PROOFSCAN_PARENT_MARKER"]; len(got) != 1 || got[0] != "from-parent" {
		t.Errorf("parent variable must survive the overlay, got %v", got)
	}
	if got := byKey["EXTRA"]; len(got) != 1 || got[0] != "configured" {
		t.Errorf("configured entry missing, got %v", got)
	}
	if got := byKey["PROOFSCAN_OVERRIDDEN"]; len(got) != 1 || got[0] != "target-value" {
		t.Errorf("target entry must win exactly once on key collision, got %v", got)
	}
}

func TestResolveEnv_EmptyMapInheritsDirectly(t *testing.T) {
	env, err := resolveEnv(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if env != nil {
		t.Errorf("expected nil so exec inherits the parent env, got %d entries", len(env))
	}
}
