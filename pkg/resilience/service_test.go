package resilience

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub032/pkg/admin"
	"github.com/dCache/dcache-sub032/pkg/config"
	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

func testSnapshot() *topology.Snapshot {
	return &topology.Snapshot{
		Pools: []topology.PoolInfo{
			{Name: "p1", Mode: topology.ModeEnabled, Tags: map[string]string{"rack": "a"}},
			{Name: "p2", Mode: topology.ModeEnabled, Tags: map[string]string{"rack": "b"}},
			{Name: "p3", Mode: topology.ModeEnabled, Tags: map[string]string{"rack": "c"}},
		},
		Groups: []topology.GroupInfo{
			{Name: "g", Resilient: true, Pools: []string{"p1", "p2", "p3"}},
		},
		Units: []topology.UnitInfo{
			{Name: "u", Required: 2, OneCopyPer: []string{"rack"}, Groups: []string{"g"}},
		},
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Metrics.Address = ""
	cfg.Topology.RefreshInterval = config.Duration{}
	cfg.Topology.Watch = false
	cfg.Namespace.InMemory = true
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "checkpoint")
	cfg.Checkpoint.Interval = config.Duration{Duration: time.Hour}
	cfg.Files.Timeout = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Files.Workers = 4
	cfg.Pools.Timeout = config.Duration{Duration: 100 * time.Millisecond}
	return cfg
}

type harness struct {
	svc    *Service
	source *topology.StaticSource
	store  *namespace.Store
	client *admin.Client
}

func startService(t *testing.T, cfg *config.Config, files ...types.FileAttributes) *harness {
	t.Helper()
	store, err := namespace.Open(namespace.StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, store.Put(context.Background(), f))
	}

	h := &harness{source: &topology.StaticSource{Current: testSnapshot()}, store: store}
	h.svc = NewWithDeps(cfg, h.source, store, nil)
	require.NoError(t, h.svc.Start(context.Background()))

	t.Cleanup(func() { h.svc.Stop() })

	h.client, err = admin.Dial(h.svc.AdminAddr())
	require.NoError(t, err)
	t.Cleanup(func() { h.client.Close() })
	return h
}

func file(id string, pools ...types.PoolName) types.FileAttributes {
	return types.FileAttributes{
		PnfsID:          types.PnfsID(id),
		Locations:       pools,
		RetentionPolicy: types.RetentionReplica,
		AccessLatency:   types.LatencyOnline,
		StorageClass:    "u",
		Size:            4096,
	}
}

func TestService_ScanRepairsPool(t *testing.T) {
	h := startService(t, testConfig(t), file("0001", "p1"), file("0002", "p1", "p2"))
	ctx := context.Background()

	pools, err := h.client.ListPools(ctx, &admin.PoolFilterRequest{})
	require.NoError(t, err)
	require.Len(t, pools.Pools, 3)
	for _, p := range pools.Pools {
		assert.Equal(t, "WAITING", p.State, "pools wait out the restart grace period")
	}

	resp, err := h.client.Scan(ctx, &admin.ScanRequest{Filter: &admin.PoolFilter{Pools: []string{"p1"}}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)

	require.Eventually(t, func() bool {
		attrs, err := h.store.RequiredAttributes(ctx, "0001")
		return err == nil && len(attrs.Locations) == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		v, ok := h.svc.Pools().Get("p1")
		return ok && v.State == "IDLE" && v.Completed == 1
	}, 10*time.Second, 20*time.Millisecond)

	attrs, err := h.store.RequiredAttributes(ctx, "0002")
	require.NoError(t, err)
	assert.Len(t, attrs.Locations, 2, "a satisfied file is left alone")
	assert.Zero(t, h.svc.Files().Size())
}

func TestService_RegisterCorruptReplica(t *testing.T) {
	h := startService(t, testConfig(t), file("0001", "p1", "p2"))
	ctx := context.Background()

	resp, err := h.client.Register(ctx, &admin.RegisterRequest{PnfsID: "0001", Pool: "p2", Type: "CORRUPT_FILE"})
	require.NoError(t, err)
	assert.Equal(t, "created", resp.Outcome)

	require.Eventually(t, func() bool {
		attrs, err := h.store.RequiredAttributes(ctx, "0001")
		if err != nil {
			return false
		}
		return attrs.HasLocation("p1") && attrs.HasLocation("p3")
	}, 10*time.Second, 20*time.Millisecond)
}

func TestService_CheckpointResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mover.Delay = config.Duration{Duration: time.Hour}

	h := startService(t, cfg, file("0001", "p1"), file("0002", "p2"))
	ctx := context.Background()

	for _, id := range []string{"0001", "0002"} {
		_, err := h.client.Register(ctx, &admin.RegisterRequest{PnfsID: id})
		require.NoError(t, err)
	}
	written, err := h.client.RunCheckpointNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written.Records)
	assert.Equal(t, cfg.Checkpoint.Path, written.Path)
	require.NoError(t, h.svc.Stop())

	resumed := startService(t, cfg, file("0001", "p1"), file("0002", "p2"))
	count, err := resumed.client.CountFiles(ctx, &admin.FileFilterRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, count.Count)

	op, ok := resumed.svc.Files().Get("0001")
	require.True(t, ok)
	assert.Equal(t, 1, op.OpCount())
}

func TestService_TopologyChanges(t *testing.T) {
	h := startService(t, testConfig(t))

	next := testSnapshot()
	next.Pools[0].Mode = topology.ModeDisabled
	h.source.Current = next

	res, err := h.svc.RefreshTopology(context.Background())
	require.NoError(t, err)
	require.Len(t, res.StatusChanges, 1)
	assert.Equal(t, topology.StatusDown, res.StatusChanges[0].New)

	v, ok := h.svc.Pools().Get("p1")
	require.True(t, ok)
	assert.Equal(t, "DOWN", v.Status)
	assert.Equal(t, "WAITING", v.State)

	next = testSnapshot()
	next.Groups[0].Pools = []string{"p1", "p2"}
	h.source.Current = next
	res, err = h.svc.RefreshTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, res.Left)
	_, ok = h.svc.Pools().Get("p3")
	assert.False(t, ok)
}

func TestService_PoolStatusMessage(t *testing.T) {
	h := startService(t, testConfig(t))
	ctx := context.Background()

	resp, err := h.client.SetPoolStatus(ctx, &admin.SetPoolStatusRequest{Pool: "p2", Mode: "disabled"})
	require.NoError(t, err)
	assert.Equal(t, "DOWN", resp.Status)
	assert.Equal(t, "UP_TO_DOWN", resp.Action)

	p2, ok := h.svc.Topology().PoolIndex("p2")
	require.True(t, ok)
	assert.Equal(t, topology.StatusDown, h.svc.Topology().Status(p2))

	v, ok := h.svc.Pools().Get("p2")
	require.True(t, ok)
	assert.Equal(t, "DOWN", v.Status)
	assert.Equal(t, "ENABLED", v.LastStatus)
	assert.Equal(t, "WAITING", v.State)
}

func TestService_UnsatisfiableTopologyFailsStart(t *testing.T) {
	store, err := namespace.Open(namespace.StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snap := testSnapshot()
	snap.Units[0].Required = 4
	svc := NewWithDeps(testConfig(t), &topology.StaticSource{Current: snap}, store, nil)

	err = svc.Start(context.Background())
	assert.ErrorIs(t, err, topology.ErrConstraintsUnsatisfiable)
}
