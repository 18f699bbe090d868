package app

import (
	"fmt"
	"sort"
	"strings"

	"kiruna/internal/config"
)

// sortSpecs orders the manifest's services so every service appears after
// its dependencies. The walk repeatedly examines the head of the list:
// a head that still depends on a remaining entry rotates to the tail,
// otherwise it is appended to the output. Rotation keeps the relative order
// of independent services stable. The iteration cap bounds the walk; hitting
// it means the dependency graph has a cycle.
func sortSpecs(services map[string]*config.ServiceSpec) ([]*config.ServiceSpec, error) {
	// Seed deterministically: map iteration order must not leak into the
	// launch order.
	pending := make([]*config.ServiceSpec, 0, len(services))
	for _, spec := range services {
		pending = append(pending, spec)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Name < pending[j].Name
	})

	remaining := make(map[string]bool, len(pending))
	for _, spec := range pending {
		remaining[spec.Name] = true
	}

	sorted := make([]*config.ServiceSpec, 0, len(pending))
	limit := 2 * len(pending)

	for i := 0; len(pending) > 0; i++ {
		if i > limit {
			names := make([]string, 0, len(pending))
			for _, spec := range pending {
				names = append(names, spec.Name)
			}
			return nil, fmt.Errorf("dependency cycle among services: %s", strings.Join(names, ", "))
		}

		head := pending[0]
		pending = pending[1:]

		if dependsOnRemaining(head, remaining) {
			pending = append(pending, head)
			continue
		}

		delete(remaining, head.Name)
		sorted = append(sorted, head)
	}
	return sorted, nil
}

func dependsOnRemaining(spec *config.ServiceSpec, remaining map[string]bool) bool {
	for _, token := range spec.Dependencies {
		name := token
		if i := strings.Index(token, ":"); i >= 0 {
			name = token[:i]
		}
		if name != spec.Name && remaining[name] {
			return true
		}
	}
	return false
}
