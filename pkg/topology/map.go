package topology

import (
	"maps"
	"slices"
	"sync"
	"time"
)

type PoolIndex int
type GroupIndex int
type UnitIndex int

// livePool carries the frequently refreshed pool state. It is guarded by its
// own lock so status reads do not contend with topology updates.
type livePool struct {
	mu      sync.RWMutex
	mode    PoolMode
	status  PoolStatus
	cost    float64
	tags    map[string]string
	updated time.Time
}

type groupEntry struct {
	resilient bool
}

type unitEntry struct {
	constraints Constraints
}

type indexSet[T comparable] map[T]struct{}

// Map is the indexed topology: stable integer handles for pools, groups and
// units plus their membership relations.
type Map struct {
	mu sync.RWMutex

	pools  arena[*livePool]
	groups arena[groupEntry]
	units  arena[unitEntry]

	poolGroups map[PoolIndex]indexSet[GroupIndex]
	groupPools map[GroupIndex]indexSet[PoolIndex]
	groupUnits map[GroupIndex]indexSet[UnitIndex]
	unitGroups map[UnitIndex]indexSet[GroupIndex]

	now func() time.Time
}

func NewMap() *Map {
	return &Map{
		pools:      newArena[*livePool](),
		groups:     newArena[groupEntry](),
		units:      newArena[unitEntry](),
		poolGroups: make(map[PoolIndex]indexSet[GroupIndex]),
		groupPools: make(map[GroupIndex]indexSet[PoolIndex]),
		groupUnits: make(map[GroupIndex]indexSet[UnitIndex]),
		unitGroups: make(map[UnitIndex]indexSet[GroupIndex]),
		now:        time.Now,
	}
}

func (m *Map) PoolIndex(name string) (PoolIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pools.index(name)
	return PoolIndex(i), ok
}

func (m *Map) PoolName(i PoolIndex) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools.name(int(i))
}

func (m *Map) GroupIndex(name string) (GroupIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.groups.index(name)
	return GroupIndex(i), ok
}

func (m *Map) GroupName(i GroupIndex) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups.name(int(i))
}

func (m *Map) UnitIndex(name string) (UnitIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.units.index(name)
	return UnitIndex(i), ok
}

func (m *Map) UnitName(i UnitIndex) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.units.name(int(i))
}

func (m *Map) IsResilientGroup(g GroupIndex) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.groups.get(int(g))
	return ok && e.resilient
}

// ResilientGroupOf returns the single resilient group the pool belongs to.
func (m *Map) ResilientGroupOf(p PoolIndex) (GroupIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resilientGroupLocked(p)
}

func (m *Map) resilientGroupLocked(p PoolIndex) (GroupIndex, bool) {
	for g := range m.poolGroups[p] {
		if e, ok := m.groups.get(int(g)); ok && e.resilient {
			return g, true
		}
	}
	return 0, false
}

func (m *Map) PoolsOfGroup(g GroupIndex) []PoolIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedPoolsOfGroup(g)
}

func (m *Map) UnitsOfGroup(g GroupIndex) []UnitIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedUnitsOfGroup(g)
}

func (m *Map) GroupsOfUnit(u UnitIndex) []GroupIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.unitGroups[u]))
}

func (m *Map) IsUnitInGroup(u UnitIndex, g GroupIndex) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groupUnits[g][u]
	return ok
}

func (m *Map) IsPoolInGroup(p PoolIndex, g GroupIndex) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groupPools[g][p]
	return ok
}

func (m *Map) Constraints(u UnitIndex) (Constraints, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.units.get(int(u))
	return e.constraints, ok
}

func (m *Map) live(p PoolIndex) (*livePool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools.get(int(p))
}

// Status returns StatusUninitialized for unknown or stale indices.
func (m *Map) Status(p PoolIndex) PoolStatus {
	lp, ok := m.live(p)
	if !ok {
		return StatusUninitialized
	}
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.status
}

func (m *Map) Tags(p PoolIndex) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tagsLocked(p)
}

func (m *Map) tagsLocked(p PoolIndex) map[string]string {
	lp, ok := m.pools.get(int(p))
	if !ok {
		return nil
	}
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return maps.Clone(lp.tags)
}

func (m *Map) Cost(p PoolIndex) float64 {
	lp, ok := m.live(p)
	if !ok {
		return 0
	}
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.cost
}

// LastUpdate is the time the pool's live info was last refreshed.
func (m *Map) LastUpdate(p PoolIndex) time.Time {
	lp, ok := m.live(p)
	if !ok {
		return time.Time{}
	}
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.updated
}

// UpdateStatus overrides the live mode of a single pool outside a full
// topology refresh, e.g. on a pool status message. The previous and new
// statuses are returned.
func (m *Map) UpdateStatus(pool string, mode PoolMode) (old, cur PoolStatus, ok bool) {
	i, found := m.PoolIndex(pool)
	if !found {
		return StatusUninitialized, StatusUninitialized, false
	}
	lp, found := m.live(i)
	if !found {
		return StatusUninitialized, StatusUninitialized, false
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	old = lp.status
	lp.mode = mode
	lp.status = statusOf(mode)
	lp.updated = m.now()
	return old, lp.status, true
}

// Counts returns the number of live pools, groups and units.
func (m *Map) Counts() (pools, groups, units int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools.size(), m.groups.size(), m.units.size()
}

func (m *Map) sortedPoolsOfGroup(g GroupIndex) []PoolIndex {
	return slices.Sorted(maps.Keys(m.groupPools[g]))
}

func (m *Map) sortedUnitsOfGroup(g GroupIndex) []UnitIndex {
	return slices.Sorted(maps.Keys(m.groupUnits[g]))
}

func link[A, B comparable](fwd map[A]indexSet[B], back map[B]indexSet[A], a A, b B) {
	if fwd[a] == nil {
		fwd[a] = make(indexSet[B])
	}
	fwd[a][b] = struct{}{}
	if back[b] == nil {
		back[b] = make(indexSet[A])
	}
	back[b][a] = struct{}{}
}

func unlink[A, B comparable](fwd map[A]indexSet[B], back map[B]indexSet[A], a A, b B) {
	delete(fwd[a], b)
	if len(fwd[a]) == 0 {
		delete(fwd, a)
	}
	delete(back[b], a)
	if len(back[b]) == 0 {
		delete(back, b)
	}
}
