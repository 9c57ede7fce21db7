package bridge

import "sort"

// DeletePlan is the order in which the cached contents of a directory are
// removed before the directory itself.
type DeletePlan struct {
	Files []string // any order
	Dirs  []string // deepest first
}

// PlanDelete builds the plan from what the cache knows about dir. Remote
// children that were never listed are not in the plan.
func PlanDelete(c *Cache, dir string) DeletePlan {
	var plan DeletePlan
	for _, it := range c.Descendants(dir) {
		if it.Entry.IsDir {
			plan.Dirs = append(plan.Dirs, it.Path)
		} else {
			plan.Files = append(plan.Files, it.Path)
		}
	}
	sort.SliceStable(plan.Dirs, func(i, j int) bool {
		a, b := plan.Dirs[i], plan.Dirs[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return plan
}
