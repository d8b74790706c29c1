package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Checkpoint is a durable snapshot of execution state, enabling resumption
// of an interrupted run.
//
// Checkpoints are created after execution steps and contain the accumulated
// state, input fingerprints for provenance, and an idempotency key that
// prevents duplicate commits during crash recovery.
type Checkpoint[S any] struct {
	// RunID uniquely identifies the execution this checkpoint belongs to.
	RunID string `json:"run_id"`

	// StepID is the execution step number at checkpoint time.
	StepID int `json:"step_id"`

	// State is the accumulated state after applying all deltas up to
	// StepID. Must be JSON-serializable for persistence.
	State S `json:"state"`

	// Fingerprints maps input names to their SHA-256 content hashes at the
	// time of the checkpoint. A resumed run compares these against the
	// current inputs; a mismatch means the resume would mix provenance.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`

	// IdempotencyKey is a hash of (RunID, StepID, State) preventing
	// duplicate commits. Format: "sha256:hex_encoded_hash".
	IdempotencyKey string `json:"idempotency_key"`

	// Timestamp records when this checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// Label is an optional user-defined name, e.g. "after_factors".
	// Empty for automatic checkpoints.
	Label string `json:"label,omitempty"`
}

// ComputeIdempotencyKey generates a deterministic hash that identifies a
// checkpoint commit.
//
// The key covers the run ID, the step ID (8-byte big-endian), and the JSON
// encoding of the state. Identical execution contexts produce identical
// keys, so a retried commit after a crash is detected instead of applied
// twice.
//
// Returns an error if the state cannot be marshaled to JSON.
func ComputeIdempotencyKey[S any](runID string, stepID int, state S) (string, error) {
	h := sha256.New()
	h.Write([]byte(runID))

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(stepID)) // #nosec G115 -- step IDs are small positive ints
	h.Write(stepBytes)

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	h.Write(stateJSON)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
