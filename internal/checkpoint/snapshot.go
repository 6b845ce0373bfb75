package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
)

// SchemaVersion is the current snapshot schema. Bump it when the
// structure changes; Decode refuses versions it does not know.
const SchemaVersion = 1

// Snapshot is the explicit, versioned serialization of one
// (TaskGraph, ExecutionContext) pair. Node entries carry the effective
// dependency set, which may differ from the original definitions after
// a minimal-scope replan dropped an edge.
type Snapshot struct {
	SchemaVersion int                     `json:"schema_version"`
	InitiativeID  string                  `json:"initiative_id"`
	Nodes         []model.TaskNode        `json:"nodes"`
	History       []model.ExecutionEvent  `json:"history"`
	Context       model.ExecutionContext  `json:"context"`
}

// Build captures a snapshot of the graph and context. The graph is
// cloned first so the serialized state can never contain a node
// mid-transition.
func Build(initiativeID string, g *graph.TaskGraph, ectx model.ExecutionContext) *Snapshot {
	clone := g.Clone()

	nodes := clone.Nodes()
	for i := range nodes {
		nodes[i].Task.Dependencies = clone.Dependencies(nodes[i].Task.ID)
	}

	return &Snapshot{
		SchemaVersion: SchemaVersion,
		InitiativeID:  initiativeID,
		Nodes:         nodes,
		History:       clone.History(),
		Context:       ectx,
	}
}

// Encode serializes the snapshot to its canonical byte form. The same
// snapshot always encodes to the same bytes, which is what the
// integrity hash is computed over.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses snapshot bytes, rejecting unknown schema versions.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, s.SchemaVersion, SchemaVersion)
	}
	return &s, nil
}

// Graph reconstructs the TaskGraph exactly as it was at snapshot time:
// node statuses, timestamps, execution logs, and history included.
func (s *Snapshot) Graph() (*graph.TaskGraph, error) {
	tasks := make([]model.Task, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		tasks = append(tasks, node.Task)
	}

	g, err := graph.New(tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	for _, node := range s.Nodes {
		g.RestoreNodeState(node.Task.ID, node)
	}
	g.RestoreHistory(s.History)
	return g, nil
}

// ComputeHash derives the integrity hash over the canonical snapshot
// bytes plus the checkpoint metadata that identifies them.
func ComputeHash(initiativeID string, snapshot []byte, kind model.CheckpointKind, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(initiativeID))
	h.Write([]byte{0})
	h.Write(snapshot)
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
