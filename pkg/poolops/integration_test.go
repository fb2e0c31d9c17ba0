package poolops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

type stack struct {
	topo  *topology.Map
	store *namespace.Store
	files *fileops.Map
	pools *Map
}

func newStack(t *testing.T, moverDelay time.Duration) *stack {
	t.Helper()
	s := &stack{topo: topology.NewMap()}
	res, err := s.topo.Refresh(testSnapshot())
	require.NoError(t, err)

	store, err := namespace.Open(namespace.StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.store = store

	fileExec := tasks.NewExecutor(4, 100, nil)
	fileExec.Start()
	t.Cleanup(fileExec.Stop)
	scanExec := tasks.NewExecutor(1, 10, nil)
	scanExec.Start()
	t.Cleanup(scanExec.Stop)

	mover := tasks.NewRecordingMover(store, moverDelay, nil)
	handler := fileops.NewHandler(store, s.topo, mover, fileExec, nil)
	s.files = fileops.NewMap(fileops.DefaultConfig(), s.topo, handler, nil, nil, nil)
	s.pools = NewMap(testPoolConfig(), s.topo, store, handler, s.files, scanExec, nil, nil)
	handler.Attach(s.files, s.pools)
	s.pools.ApplyTopology(res)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.files.Run(ctx) }()
	go func() { defer wg.Done(); s.pools.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return s
}

func (s *stack) put(t *testing.T, id string, pools ...types.PoolName) {
	t.Helper()
	require.NoError(t, s.store.Put(context.Background(), types.FileAttributes{
		PnfsID:          types.PnfsID(id),
		Locations:       pools,
		RetentionPolicy: types.RetentionReplica,
		AccessLatency:   types.LatencyOnline,
		StorageClass:    "u",
	}))
}

func TestStack_DownWhileRunningCancelsChildren(t *testing.T) {
	s := newStack(t, time.Minute)
	s.put(t, "0001", "p1")
	s.put(t, "0002", "p1")

	s.pools.Cancel(nil)
	require.Equal(t, 1, s.pools.Scan(onlyPool("p1"), true))

	running := &fileops.Filter{States: []fileops.State{fileops.StateRunning}}
	require.Eventually(t, func() bool {
		v, _ := s.pools.Get("p1")
		return v.Dispatched == 2 && s.files.Count(running) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.pools.Update("p1", topology.StatusDown)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.files.Size() == 0 }, 5*time.Second, 10*time.Millisecond,
		"children are cancelled and removed")

	v, _ := s.pools.Get("p1")
	assert.Equal(t, "WAITING", v.State)
	assert.Zero(t, v.Dispatched)
	assert.Zero(t, v.Completed)
	assert.Zero(t, v.Failed)
}

func TestStack_ScanRepairsPool(t *testing.T) {
	s := newStack(t, 0)
	s.put(t, "0001", "p1")
	s.put(t, "0002", "p1", "p2")
	s.put(t, "0003", "p1", "p2", "p3")

	s.pools.Cancel(nil)
	s.pools.Scan(onlyPool("p1"), true)

	require.Eventually(t, func() bool {
		v, _ := s.pools.Get("p1")
		return v.State == "IDLE"
	}, 5*time.Second, 10*time.Millisecond)

	v, _ := s.pools.Get("p1")
	assert.Equal(t, 2, v.Dispatched)
	assert.Equal(t, 2, v.Completed)
	assert.Zero(t, v.Failed)
	assert.Zero(t, s.files.Size())

	for _, id := range []types.PnfsID{"0001", "0002", "0003"} {
		attrs, err := s.store.RequiredAttributes(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, attrs.Locations, 2, "file %s", id)
	}
}
