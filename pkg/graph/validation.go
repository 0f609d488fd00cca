package graph

import (
	"fmt"

	"github.com/chazu/hotload/pkg/module"
)

// validate checks that every id in edges, importer or imported, has a
// registered path, and that no module lists a dependency twice.
func validate(edges map[module.ID][]module.ID, pathOf func(module.ID) (string, bool)) error {
	for id, deps := range edges {
		if _, ok := pathOf(id); !ok {
			return fmt.Errorf("module %s has no registered path", id)
		}

		seen := make(map[module.ID]bool, len(deps))
		for _, dep := range deps {
			if seen[dep] {
				return fmt.Errorf("module %s lists dependency %s twice", id, dep)
			}
			seen[dep] = true
			if _, ok := pathOf(dep); !ok {
				return fmt.Errorf("module %s depends on unregistered id %s", id, dep)
			}
		}
	}
	return nil
}
