package discovery

import (
	"sort"
	"strings"

	"github.com/vonshlovens/davsync/internal/item"
)

// orderPlan arranges the plan so the propagator's barriers always find their
// prerequisites satisfied:
//
//   - removals first, deepest paths before their parents, so a directory
//     DELETE follows every descendant's and freed names are reusable;
//   - then everything else in depth-first pre-order with directories ahead of
//     files inside each parent, so a mkdir always precedes its content.
//
// The sort is total and deterministic: identical inputs yield byte-identical
// plans.
func orderPlan(plan *Plan) {
	isDir := make(map[string]bool, len(plan.Items))
	for _, it := range plan.Items {
		if it.Kind == item.KindDirectory {
			isDir[it.Path] = true
		}
	}

	rank := func(it *item.SyncFileItem) int {
		switch {
		case it.Instruction == item.InstructionRemove,
			it.Instruction == item.InstructionTypeChange:
			// Type changes start with the removal half.
			return 0
		case it.Instruction == item.InstructionRename:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		ra, rb := rank(a), rank(b)
		if ra != rb {
			return ra < rb
		}
		if ra == 0 {
			// Removals deepest-first.
			return removalLess(a.Path, b.Path)
		}
		return preorderLess(a.Path, b.Path, isDir)
	})
}

// removalLess orders removals so descendants come before ancestors and order
// stays total elsewhere.
func removalLess(a, b string) bool {
	if strings.HasPrefix(a, b+"/") {
		return true
	}
	if strings.HasPrefix(b, a+"/") {
		return false
	}
	da, db := strings.Count(a, "/"), strings.Count(b, "/")
	if da != db {
		return da > db
	}
	return a > b
}

// preorderLess compares two paths in depth-first pre-order, directories
// before files among siblings.
func preorderLess(a, b string, isDir map[string]bool) bool {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] == bs[i] {
			continue
		}
		// Differing component: at this level, directories come first.
		aPrefix := strings.Join(as[:i+1], "/")
		bPrefix := strings.Join(bs[:i+1], "/")
		aDir := isDir[aPrefix] || i < len(as)-1
		bDir := isDir[bPrefix] || i < len(bs)-1
		if aDir != bDir {
			return aDir
		}
		return as[i] < bs[i]
	}
	// One is the other's ancestor: the ancestor first.
	return len(as) < len(bs)
}
