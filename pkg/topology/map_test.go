package topology

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Pools: []PoolInfo{
			{Name: "pool-a", Mode: ModeEnabled, Tags: map[string]string{"rack": "r1"}},
			{Name: "pool-b", Mode: ModeEnabled, Tags: map[string]string{"rack": "r2"}},
			{Name: "pool-c", Mode: ModeReadOnly, Tags: map[string]string{"rack": "r3"}},
			{Name: "pool-d", Mode: ModeEnabled},
		},
		Groups: []GroupInfo{
			{Name: "resilient", Resilient: true, Pools: []string{"pool-a", "pool-b", "pool-c"}},
			{Name: "plain", Pools: []string{"pool-c", "pool-d"}},
		},
		Units: []UnitInfo{
			{Name: "atlas:raw@osm", Required: 2, OneCopyPer: []string{"rack"}, Groups: []string{"resilient"}},
		},
	}
}

func mustRefresh(t *testing.T, m *Map, s *Snapshot) *ApplyResult {
	t.Helper()
	res, err := m.Refresh(s)
	require.NoError(t, err)
	return res
}

func TestMap_RefreshBuildsIndices(t *testing.T) {
	m := NewMap()
	res := mustRefresh(t, m, testSnapshot())

	pools, groups, units := m.Counts()
	assert.Equal(t, 4, pools)
	assert.Equal(t, 2, groups)
	assert.Equal(t, 1, units)

	a, ok := m.PoolIndex("pool-a")
	require.True(t, ok)
	g, ok := m.ResilientGroupOf(a)
	require.True(t, ok)
	name, ok := m.GroupName(g)
	require.True(t, ok)
	assert.Equal(t, "resilient", name)

	d, _ := m.PoolIndex("pool-d")
	_, ok = m.ResilientGroupOf(d)
	assert.False(t, ok)

	assert.Equal(t, StatusEnabled, m.Status(a))
	c, _ := m.PoolIndex("pool-c")
	assert.Equal(t, StatusReadOnly, m.Status(c))
	assert.Equal(t, "r1", m.Tags(a)["rack"])

	assert.ElementsMatch(t, []string{"pool-a", "pool-b", "pool-c"}, res.Joined)
	assert.Len(t, res.StatusChanges, 4)
	assert.Equal(t, []string{"atlas:raw@osm"}, res.ChangedUnits)
}

func TestMap_IndexStability(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	oldB, ok := m.PoolIndex("pool-b")
	require.True(t, ok)

	s := testSnapshot()
	s.Pools = append(s.Pools[:1], s.Pools[2:]...)
	s.Groups[0].Pools = []string{"pool-a", "pool-c"}
	res := mustRefresh(t, m, s)
	assert.Equal(t, []string{"pool-b"}, res.Left)

	_, ok = m.PoolName(oldB)
	assert.False(t, ok, "stale index must not resolve")
	assert.Equal(t, StatusUninitialized, m.Status(oldB))
	assert.Nil(t, m.Tags(oldB))

	s.Pools = append(s.Pools, PoolInfo{Name: "pool-e", Mode: ModeEnabled})
	s.Groups[0].Pools = append(s.Groups[0].Pools, "pool-e")
	mustRefresh(t, m, s)

	e, ok := m.PoolIndex("pool-e")
	require.True(t, ok)
	assert.NotEqual(t, oldB, e)

	s = testSnapshot()
	mustRefresh(t, m, s)
	newB, ok := m.PoolIndex("pool-b")
	require.True(t, ok)
	assert.NotEqual(t, oldB, newB, "a re-added name gets a fresh index")
}

func TestMap_SafeLookups(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	_, ok := m.PoolIndex("missing")
	assert.False(t, ok)
	_, ok = m.PoolName(PoolIndex(999))
	assert.False(t, ok)
	_, ok = m.PoolName(PoolIndex(-1))
	assert.False(t, ok)
	_, ok = m.GroupName(GroupIndex(42))
	assert.False(t, ok)
	_, ok = m.UnitName(UnitIndex(42))
	assert.False(t, ok)
	_, ok = m.Constraints(UnitIndex(42))
	assert.False(t, ok)
	assert.Empty(t, m.PoolsOfGroup(GroupIndex(42)))
	assert.Zero(t, m.Cost(PoolIndex(42)))
	assert.True(t, m.LastUpdate(PoolIndex(42)).IsZero())
}

func TestMap_CompareDetectsChanges(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	s := testSnapshot()
	s.Units[0].Required = 3
	s.Groups[1].Resilient = false
	s.Groups[0].Pools = []string{"pool-a", "pool-b"}

	d, err := m.Compare(s)
	require.NoError(t, err)
	assert.False(t, d.IsEmpty())
	assert.Equal(t, []Membership{{Member: "pool-c", Group: "resilient"}}, d.PoolsRemoved)
	assert.Equal(t, 3, d.Constraints["atlas:raw@osm"].Required)
	assert.Empty(t, d.NewPools)

	same, err := m.Compare(testSnapshot())
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())
}

func TestMap_ApplyStatusChanges(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	s := testSnapshot()
	s.Pools[0].Mode = ModeDisabled
	res := mustRefresh(t, m, s)

	require.Len(t, res.StatusChanges, 1)
	assert.Equal(t, StatusChange{Pool: "pool-a", Old: StatusEnabled, New: StatusDown}, res.StatusChanges[0])
}

func TestMap_UnitRelinking(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	s := testSnapshot()
	s.Units[0].Groups = []string{"resilient", "plain"}
	res := mustRefresh(t, m, s)
	assert.Equal(t, []string{"atlas:raw@osm"}, res.ChangedUnits)

	u, _ := m.UnitIndex("atlas:raw@osm")
	plain, _ := m.GroupIndex("plain")
	assert.True(t, m.IsUnitInGroup(u, plain))
	assert.Len(t, m.GroupsOfUnit(u), 2)
}

func TestMap_GroupRemovalUnlinks(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())
	plain, _ := m.GroupIndex("plain")

	s := testSnapshot()
	s.Groups = s.Groups[:1]
	mustRefresh(t, m, s)

	_, ok := m.GroupName(plain)
	assert.False(t, ok)
	d, _ := m.PoolIndex("pool-d")
	assert.False(t, m.IsPoolInGroup(d, plain))
}

func TestMap_TwoResilientGroupsIsInconsistent(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	s := testSnapshot()
	s.Groups[1].Resilient = true

	_, err := m.Refresh(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistent))
}

func TestMap_VerifyConstraints(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		wantErr bool
	}{
		{name: "satisfiable", mutate: func(*Snapshot) {}},
		{
			name: "too many copies",
			mutate: func(s *Snapshot) {
				s.Units[0].Required = 4
			},
			wantErr: true,
		},
		{
			name: "tag collision",
			mutate: func(s *Snapshot) {
				for i := range s.Pools {
					s.Pools[i].Tags = map[string]string{"rack": "same"}
				}
			},
			wantErr: true,
		},
		{
			name: "untagged pools are unconstrained",
			mutate: func(s *Snapshot) {
				for i := range s.Pools {
					s.Pools[i].Tags = nil
				}
				s.Units[0].Required = 3
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSnapshot()
			tt.mutate(s)
			m := NewMap()
			mustRefresh(t, m, s)

			g, _ := m.GroupIndex("resilient")
			err := m.VerifyConstraints(g)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConstraintsUnsatisfiable))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, err == nil, m.VerifyAll() == nil)
		})
	}
}

func TestMap_UpdateStatus(t *testing.T) {
	m := NewMap()
	mustRefresh(t, m, testSnapshot())

	old, cur, ok := m.UpdateStatus("pool-b", ModeReadOnly)
	require.True(t, ok)
	assert.Equal(t, StatusEnabled, old)
	assert.Equal(t, StatusReadOnly, cur)

	_, _, ok = m.UpdateStatus("missing", ModeDisabled)
	assert.False(t, ok)
}

func TestSnapshot_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"duplicate pool", func(s *Snapshot) { s.Pools = append(s.Pools, s.Pools[0]) }},
		{"unknown pool in group", func(s *Snapshot) { s.Groups[0].Pools = append(s.Groups[0].Pools, "nope") }},
		{"unknown group in unit", func(s *Snapshot) { s.Units[0].Groups = []string{"nope"} }},
		{"zero required", func(s *Snapshot) { s.Units[0].Required = 0 }},
		{"empty group name", func(s *Snapshot) { s.Groups[1].Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSnapshot()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
	assert.NoError(t, testSnapshot().Validate())
}

const topologyYAML = `
pools:
  - name: pool-a
    mode: enabled
    tags: {rack: r1}
  - name: pool-b
    mode: readonly
groups:
  - name: resilient
    resilient: true
    pools: [pool-a, pool-b]
units:
  - name: atlas:raw@osm
    required: 2
    one_copy_per: [rack]
    groups: [resilient]
`

func TestFileSource_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topologyYAML), 0o644))

	src := NewFileSource(path, nil)
	snap, err := src.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Pools, 2)
	assert.Equal(t, ModeReadOnly, snap.Pools[1].Mode)
	assert.Equal(t, []string{"rack"}, snap.Units[0].OneCopyPer)

	_, err = ParseSnapshot([]byte("pools:\n  - name: x\n    mode: sideways\n"))
	assert.Error(t, err)
}

func TestFileSource_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topologyYAML), 0o644))

	src := NewFileSource(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, 10*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(topologyYAML+"\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	assert.NoError(t, <-done)
}
