package topology

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Membership is one pool→group or unit→group relation.
type Membership struct {
	Member string
	Group  string
}

// Diff is the set of changes between the map and a snapshot.
type Diff struct {
	NewPools  []string
	OldPools  []string
	NewGroups []GroupInfo
	OldGroups []string
	NewUnits  []UnitInfo
	OldUnits  []string

	PoolsAdded   []Membership
	PoolsRemoved []Membership
	UnitsAdded   []Membership
	UnitsRemoved []Membership

	Constraints map[string]Constraints
	Resilience  map[string]bool

	// PoolInfo carries live info for every pool present in the snapshot.
	PoolInfo map[string]PoolInfo
}

// IsEmpty is true when only live pool info would be refreshed.
func (d *Diff) IsEmpty() bool {
	return len(d.NewPools) == 0 && len(d.OldPools) == 0 &&
		len(d.NewGroups) == 0 && len(d.OldGroups) == 0 &&
		len(d.NewUnits) == 0 && len(d.OldUnits) == 0 &&
		len(d.PoolsAdded) == 0 && len(d.PoolsRemoved) == 0 &&
		len(d.UnitsAdded) == 0 && len(d.UnitsRemoved) == 0 &&
		len(d.Constraints) == 0 && len(d.Resilience) == 0
}

// StatusChange reports a pool whose resilience status moved during Apply.
type StatusChange struct {
	Pool string
	Old  PoolStatus
	New  PoolStatus
}

// ApplyResult tells the schedulers what the update means for them.
type ApplyResult struct {
	StatusChanges []StatusChange
	// Joined lists pools that became members of a resilient group.
	Joined []string
	// Left lists pools that are no longer in any resilient group.
	Left []string
	// ChangedUnits lists units whose constraints or group links changed.
	ChangedUnits []string
}

// Compare computes, under the read lock, what Apply must do to bring the map
// in line with snapshot.
func (m *Map) Compare(snapshot *Snapshot) (*Diff, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	d := &Diff{
		Constraints: make(map[string]Constraints),
		Resilience:  make(map[string]bool),
		PoolInfo:    make(map[string]PoolInfo, len(snapshot.Pools)),
	}

	seenPools := make(map[string]bool, len(snapshot.Pools))
	for _, p := range snapshot.Pools {
		seenPools[p.Name] = true
		d.PoolInfo[p.Name] = p
		if _, ok := m.pools.index(p.Name); !ok {
			d.NewPools = append(d.NewPools, p.Name)
		}
	}
	for _, name := range m.pools.liveNames() {
		if !seenPools[name] {
			d.OldPools = append(d.OldPools, name)
		}
	}

	seenGroups := make(map[string]bool, len(snapshot.Groups))
	for _, g := range snapshot.Groups {
		seenGroups[g.Name] = true
		gi, ok := m.groups.index(g.Name)
		if !ok {
			d.NewGroups = append(d.NewGroups, g)
			for _, p := range g.Pools {
				d.PoolsAdded = append(d.PoolsAdded, Membership{Member: p, Group: g.Name})
			}
			continue
		}

		if e, _ := m.groups.get(gi); e.resilient != g.Resilient {
			d.Resilience[g.Name] = g.Resilient
		}

		want := make(map[string]bool, len(g.Pools))
		for _, p := range g.Pools {
			want[p] = true
		}
		have := make(map[string]bool)
		for p := range m.groupPools[GroupIndex(gi)] {
			name, _ := m.pools.name(int(p))
			have[name] = true
		}
		for _, p := range g.Pools {
			if !have[p] {
				d.PoolsAdded = append(d.PoolsAdded, Membership{Member: p, Group: g.Name})
			}
		}
		for _, p := range slices.Sorted(maps.Keys(have)) {
			if !want[p] {
				d.PoolsRemoved = append(d.PoolsRemoved, Membership{Member: p, Group: g.Name})
			}
		}
	}
	for _, name := range m.groups.liveNames() {
		if !seenGroups[name] {
			d.OldGroups = append(d.OldGroups, name)
		}
	}

	seenUnits := make(map[string]bool, len(snapshot.Units))
	for _, u := range snapshot.Units {
		seenUnits[u.Name] = true
		c := Constraints{Required: u.Required, OneCopyPer: slices.Clone(u.OneCopyPer)}
		ui, ok := m.units.index(u.Name)
		if !ok {
			d.NewUnits = append(d.NewUnits, u)
			for _, g := range u.Groups {
				d.UnitsAdded = append(d.UnitsAdded, Membership{Member: u.Name, Group: g})
			}
			continue
		}

		if e, _ := m.units.get(ui); !e.constraints.Equal(c) {
			d.Constraints[u.Name] = c
		}

		want := make(map[string]bool, len(u.Groups))
		for _, g := range u.Groups {
			want[g] = true
		}
		have := make(map[string]bool)
		for g := range m.unitGroups[UnitIndex(ui)] {
			name, _ := m.groups.name(int(g))
			have[name] = true
		}
		for _, g := range u.Groups {
			if !have[g] {
				d.UnitsAdded = append(d.UnitsAdded, Membership{Member: u.Name, Group: g})
			}
		}
		for _, g := range slices.Sorted(maps.Keys(have)) {
			if !want[g] {
				d.UnitsRemoved = append(d.UnitsRemoved, Membership{Member: u.Name, Group: g})
			}
		}
	}
	for _, name := range m.units.liveNames() {
		if !seenUnits[name] {
			d.OldUnits = append(d.OldUnits, name)
		}
	}

	return d, nil
}

// Apply performs the diff under the write lock: removals first, then
// additions, memberships, constraint updates and finally the live pool
// info refresh. A returned ErrInconsistent means the map can no longer be
// trusted.
func (m *Map) Apply(d *Diff) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := make(map[string]bool)
	for _, name := range m.pools.liveNames() {
		i, _ := m.pools.index(name)
		if _, ok := m.resilientGroupLocked(PoolIndex(i)); ok {
			before[name] = true
		}
	}

	changedUnits := make(map[string]bool)

	for _, ms := range d.PoolsRemoved {
		p, pok := m.pools.index(ms.Member)
		g, gok := m.groups.index(ms.Group)
		if !pok || !gok {
			return nil, fmt.Errorf("%w: removing unknown membership %s/%s", ErrInconsistent, ms.Member, ms.Group)
		}
		unlink(m.poolGroups, m.groupPools, PoolIndex(p), GroupIndex(g))
	}
	for _, ms := range d.UnitsRemoved {
		u, uok := m.units.index(ms.Member)
		g, gok := m.groups.index(ms.Group)
		if !uok || !gok {
			return nil, fmt.Errorf("%w: removing unknown membership %s/%s", ErrInconsistent, ms.Member, ms.Group)
		}
		unlink(m.unitGroups, m.groupUnits, UnitIndex(u), GroupIndex(g))
		changedUnits[ms.Member] = true
	}

	for _, name := range d.OldUnits {
		if i, ok := m.units.remove(name); ok {
			for g := range m.unitGroups[UnitIndex(i)] {
				unlink(m.unitGroups, m.groupUnits, UnitIndex(i), g)
			}
		}
	}
	for _, name := range d.OldPools {
		if i, ok := m.pools.remove(name); ok {
			for g := range m.poolGroups[PoolIndex(i)] {
				unlink(m.poolGroups, m.groupPools, PoolIndex(i), g)
			}
		}
	}
	for _, name := range d.OldGroups {
		if i, ok := m.groups.remove(name); ok {
			g := GroupIndex(i)
			for p := range m.groupPools[g] {
				unlink(m.poolGroups, m.groupPools, p, g)
			}
			for u := range m.groupUnits[g] {
				unlink(m.unitGroups, m.groupUnits, u, g)
			}
		}
	}

	for _, u := range d.NewUnits {
		m.units.add(u.Name, unitEntry{constraints: Constraints{
			Required:   u.Required,
			OneCopyPer: slices.Clone(u.OneCopyPer),
		}})
		changedUnits[u.Name] = true
	}
	for _, g := range d.NewGroups {
		m.groups.add(g.Name, groupEntry{resilient: g.Resilient})
	}
	for _, name := range d.NewPools {
		info := d.PoolInfo[name]
		m.pools.add(name, &livePool{
			mode:    info.Mode,
			status:  StatusUninitialized,
			tags:    maps.Clone(info.Tags),
			cost:    info.Cost,
			updated: m.now(),
		})
	}

	for _, ms := range d.PoolsAdded {
		p, pok := m.pools.index(ms.Member)
		g, gok := m.groups.index(ms.Group)
		if !pok || !gok {
			return nil, fmt.Errorf("%w: adding pool %s to unknown group %s", ErrInconsistent, ms.Member, ms.Group)
		}
		link(m.poolGroups, m.groupPools, PoolIndex(p), GroupIndex(g))
	}
	for _, ms := range d.UnitsAdded {
		u, uok := m.units.index(ms.Member)
		g, gok := m.groups.index(ms.Group)
		if !uok || !gok {
			return nil, fmt.Errorf("%w: adding unit %s to unknown group %s", ErrInconsistent, ms.Member, ms.Group)
		}
		link(m.unitGroups, m.groupUnits, UnitIndex(u), GroupIndex(g))
		changedUnits[ms.Member] = true
	}

	for name, c := range d.Constraints {
		i, ok := m.units.index(name)
		if !ok {
			return nil, fmt.Errorf("%w: constraints for unknown unit %s", ErrInconsistent, name)
		}
		m.units.set(i, unitEntry{constraints: c})
		changedUnits[name] = true
	}
	for name, resilient := range d.Resilience {
		i, ok := m.groups.index(name)
		if !ok {
			return nil, fmt.Errorf("%w: resilience flag for unknown group %s", ErrInconsistent, name)
		}
		m.groups.set(i, groupEntry{resilient: resilient})
	}

	if err := m.checkSingleResilientGroupLocked(); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	for _, name := range slices.Sorted(maps.Keys(d.PoolInfo)) {
		info := d.PoolInfo[name]
		i, ok := m.pools.index(name)
		if !ok {
			return nil, fmt.Errorf("%w: live info for unknown pool %s", ErrInconsistent, name)
		}
		lp, _ := m.pools.get(i)
		lp.mu.Lock()
		old := lp.status
		lp.mode = info.Mode
		lp.status = statusOf(info.Mode)
		lp.cost = info.Cost
		lp.tags = maps.Clone(info.Tags)
		lp.updated = m.now()
		cur := lp.status
		lp.mu.Unlock()
		if old != cur {
			result.StatusChanges = append(result.StatusChanges, StatusChange{Pool: name, Old: old, New: cur})
		}
	}

	after := make(map[string]bool)
	for _, name := range m.pools.liveNames() {
		i, _ := m.pools.index(name)
		if _, ok := m.resilientGroupLocked(PoolIndex(i)); ok {
			after[name] = true
		}
	}
	for _, name := range slices.Sorted(maps.Keys(after)) {
		if !before[name] {
			result.Joined = append(result.Joined, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(before)) {
		if !after[name] {
			result.Left = append(result.Left, name)
		}
	}
	result.ChangedUnits = slices.Sorted(maps.Keys(changedUnits))

	return result, nil
}

// Refresh compares and applies in one step.
func (m *Map) Refresh(snapshot *Snapshot) (*ApplyResult, error) {
	d, err := m.Compare(snapshot)
	if err != nil {
		return nil, err
	}
	return m.Apply(d)
}

// VerifyAll checks the constraints of every resilient group.
func (m *Map) VerifyAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, name := range m.groups.liveNames() {
		i, _ := m.groups.index(name)
		if e, _ := m.groups.get(i); !e.resilient {
			continue
		}
		if err := m.verifyConstraintsLocked(GroupIndex(i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Map) checkSingleResilientGroupLocked() error {
	for p, groups := range m.poolGroups {
		count := 0
		for g := range groups {
			if e, ok := m.groups.get(int(g)); ok && e.resilient {
				count++
			}
		}
		if count > 1 {
			name, _ := m.pools.name(int(p))
			return fmt.Errorf("%w: pool %s is mapped into %d resilient groups", ErrInconsistent, name, count)
		}
	}
	return nil
}
