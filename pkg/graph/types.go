package graph

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/chazu/hotload/pkg/module"
)

// Node is one live module in a snapshot
type Node struct {
	// ID is the module id assigned by the registry
	ID module.ID `json:"id"`

	// Path is the normalized module path
	Path string `json:"path"`

	// DependsOn lists the ids this module imports, ascending
	DependsOn []module.ID `json:"dependsOn,omitempty"`
}

// ComputeHash hashes the shape of the graph: node ids, paths and edges.
// Two snapshots of the same modules wired the same way hash equal.
func ComputeHash(nodes []Node) string {
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b Node) int { return int(a.ID) - int(b.ID) })

	data, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", xxhash.Sum64(data))
}
