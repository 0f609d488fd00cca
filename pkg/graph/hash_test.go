package graph

import (
	"testing"

	"github.com/chazu/hotload/pkg/module"
)

func TestComputeHash(t *testing.T) {
	nodes := []Node{
		{ID: 0, Path: "/a.cue", DependsOn: []module.ID{1}},
		{ID: 1, Path: "/b.cue"},
	}

	hash1 := ComputeHash(nodes)
	if hash1 == "" {
		t.Fatal("Expected non-empty hash")
	}

	reversed := []Node{nodes[1], nodes[0]}
	if hash2 := ComputeHash(reversed); hash2 != hash1 {
		t.Errorf("hash depends on node order: %s != %s", hash1, hash2)
	}

	nodes[0].DependsOn = nil
	if hash3 := ComputeHash(nodes); hash3 == hash1 {
		t.Error("Expected different hash for different edges")
	}
}

func TestHasChanged(t *testing.T) {
	before, err := Build(map[module.ID][]module.ID{0: {1}}, paths(3))
	if err != nil {
		t.Fatal(err)
	}
	same, err := Build(map[module.ID][]module.ID{0: {1}, 1: nil}, paths(3))
	if err != nil {
		t.Fatal(err)
	}
	after, err := Build(map[module.ID][]module.ID{0: {1, 2}}, paths(3))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		snapshot *Snapshot
		previous string
		want     bool
	}{
		{"no previous hash", before, "", true},
		{"same shape", same, before.Hash(), false},
		{"new edge", after, before.Hash(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snapshot.HasChanged(tt.previous); got != tt.want {
				t.Errorf("HasChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
