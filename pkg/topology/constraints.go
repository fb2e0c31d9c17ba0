package topology

import (
	"fmt"
	"slices"
)

// Constraints are the replication requirements of a storage unit.
type Constraints struct {
	Required int
	// OneCopyPer lists tag names; at most one copy may live on pools sharing
	// a value for any of these tags.
	OneCopyPer []string
}

func (c Constraints) Equal(o Constraints) bool {
	return c.Required == o.Required && slices.Equal(c.OneCopyPer, o.OneCopyPer)
}

// Compatible reports whether a pool with candidate tags can hold a copy next
// to pools already carrying the given tag values. A pool missing a
// constrained tag is unconstrained for that tag.
func (c Constraints) Compatible(candidate map[string]string, used map[string]map[string]bool) bool {
	for _, tag := range c.OneCopyPer {
		v, ok := candidate[tag]
		if !ok || v == "" {
			continue
		}
		if used[tag][v] {
			return false
		}
	}
	return true
}

// Mark records the tag values of a pool that holds (or will hold) a copy.
func (c Constraints) Mark(tags map[string]string, used map[string]map[string]bool) {
	for _, tag := range c.OneCopyPer {
		v, ok := tags[tag]
		if !ok || v == "" {
			continue
		}
		if used[tag] == nil {
			used[tag] = make(map[string]bool)
		}
		used[tag][v] = true
	}
}

// VerifyConstraints coarsely checks that group can host the required copies
// of every linked unit, greedily picking pools under the tag constraint.
func (m *Map) VerifyConstraints(group GroupIndex) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifyConstraintsLocked(group)
}

func (m *Map) verifyConstraintsLocked(group GroupIndex) error {
	gname, ok := m.groups.name(int(group))
	if !ok {
		return nil
	}

	pools := m.sortedPoolsOfGroup(group)
	for _, u := range m.sortedUnitsOfGroup(group) {
		unit, _ := m.units.get(int(u))
		uname, _ := m.units.name(int(u))
		c := unit.constraints

		used := make(map[string]map[string]bool)
		selected := 0
		for _, p := range pools {
			if selected >= c.Required {
				break
			}
			tags := m.tagsLocked(p)
			if !c.Compatible(tags, used) {
				continue
			}
			c.Mark(tags, used)
			selected++
		}

		if selected < c.Required {
			return fmt.Errorf("%w: group %s can place %d of %d copies for unit %s (one copy per %v)",
				ErrConstraintsUnsatisfiable, gname, selected, c.Required, uname, c.OneCopyPer)
		}
	}
	return nil
}
