package pipeline

import (
	"strings"
	"testing"
)

func TestComputeIdempotencyKey(t *testing.T) {
	type state struct {
		Value string `json:"value"`
	}

	key1, err := ComputeIdempotencyKey("run-001", 3, state{Value: "a"})
	if err != nil {
		t.Fatalf("ComputeIdempotencyKey failed: %v", err)
	}
	if !strings.HasPrefix(key1, "sha256:") {
		t.Errorf("key missing sha256: prefix: %q", key1)
	}

	// Deterministic for identical inputs.
	key2, _ := ComputeIdempotencyKey("run-001", 3, state{Value: "a"})
	if key1 != key2 {
		t.Errorf("identical inputs produced different keys: %q vs %q", key1, key2)
	}

	// Any varying component changes the key.
	diffRun, _ := ComputeIdempotencyKey("run-002", 3, state{Value: "a"})
	diffStep, _ := ComputeIdempotencyKey("run-001", 4, state{Value: "a"})
	diffState, _ := ComputeIdempotencyKey("run-001", 3, state{Value: "b"})
	for name, other := range map[string]string{
		"run":   diffRun,
		"step":  diffStep,
		"state": diffState,
	} {
		if other == key1 {
			t.Errorf("changing %s did not change the key", name)
		}
	}

	// Unmarshalable state reports an error.
	if _, err := ComputeIdempotencyKey("run-001", 1, map[string]interface{}{"bad": make(chan int)}); err == nil {
		t.Error("expected error for unmarshalable state")
	}
}
