package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/poolops"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

type fakeFiles struct {
	mu     sync.Mutex
	filter *fileops.Filter
	cancel fileops.Filter
}

func (f *fakeFiles) Cancel(filter fileops.Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = filter
	return 3
}

func (f *fakeFiles) Count(filter *fileops.Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return 7
}

func (f *fakeFiles) List(filter *fileops.Filter, limit int) []fileops.View {
	views := []fileops.View{
		{PnfsID: "0001", State: "WAITING", OpCount: 1},
		{PnfsID: "0002", State: "RUNNING", OpCount: 2},
	}
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views
}

func (f *fakeFiles) Counts() (int, int, int) {
	return 1, 1, 0
}

type fakeUpdates struct {
	mu      sync.Mutex
	updates []fileops.FileUpdate
	err     error
}

func (f *fakeUpdates) HandleUpdate(ctx context.Context, u *fileops.FileUpdate) (fileops.RegisterOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return fileops.Dropped, f.err
	}
	f.updates = append(f.updates, *u)
	return fileops.Created, nil
}

type fakePools struct {
	mu      sync.Mutex
	filter  *poolops.Filter
	include bool
	force   bool
	unit    string
	modes   map[string]topology.PoolMode
}

func (f *fakePools) record(filter *poolops.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
}

func (f *fakePools) List(filter *poolops.Filter, limit int) []poolops.View {
	f.record(filter)
	return []poolops.View{{Pool: "p1", State: "IDLE", Status: "ENABLED"}}
}

func (f *fakePools) Cancel(filter *poolops.Filter) int {
	f.record(filter)
	return 1
}

func (f *fakePools) SetIncluded(filter *poolops.Filter, include bool) int {
	f.record(filter)
	f.include = include
	return 2
}

func (f *fakePools) Scan(filter *poolops.Filter, force bool) int {
	f.record(filter)
	f.force = force
	return 4
}

func (f *fakePools) ScanUnit(unit string) int {
	f.unit = unit
	return 5
}

func (f *fakePools) SetStatus(pool string, mode topology.PoolMode) (topology.PoolStatus, poolops.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pool != "p1" {
		return topology.StatusUninitialized, poolops.ActionNop, fmt.Errorf("%w: %s", poolops.ErrUnknownPool, pool)
	}
	if f.modes == nil {
		f.modes = make(map[string]topology.PoolMode)
	}
	f.modes[pool] = mode
	if mode == topology.ModeDisabled {
		return topology.StatusDown, poolops.ActionUpToDown, nil
	}
	return topology.StatusEnabled, poolops.ActionNop, nil
}

type fakeCheckpointer struct {
	err error
}

func (f *fakeCheckpointer) Path() string { return "/var/lib/resilience/checkpoint" }

func (f *fakeCheckpointer) RunNow(ctx context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 12, nil
}

type adminFixture struct {
	files   *fakeFiles
	updates *fakeUpdates
	pools   *fakePools
	client  *Client
}

func newAdminFixture(t *testing.T, checkpoints Checkpointer) *adminFixture {
	t.Helper()
	f := &adminFixture{files: &fakeFiles{}, updates: &fakeUpdates{}, pools: &fakePools{}}

	srv := NewServer(f.files, f.updates, f.pools, checkpoints, zaptest.NewLogger(t))
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	f.client = client
	return f
}

func TestAdmin_Register(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	resp, err := f.client.Register(ctx, &RegisterRequest{PnfsID: "0001", Pool: "p1", VerifySticky: true})
	require.NoError(t, err)
	assert.Equal(t, "created", resp.Outcome)
	require.Len(t, f.updates.updates, 1)
	assert.Equal(t, types.PnfsID("0001"), f.updates.updates[0].PnfsID)
	assert.Equal(t, types.PoolName("p1"), f.updates.updates[0].Pool)
	assert.Equal(t, fileops.AdminRegister, f.updates.updates[0].Type)
	assert.True(t, f.updates.updates[0].VerifySticky)

	_, err = f.client.Register(ctx, &RegisterRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = f.client.Register(ctx, &RegisterRequest{PnfsID: "0003", Pool: "p2", Type: "corrupt_file"})
	require.NoError(t, err)
	assert.Equal(t, fileops.CorruptFile, f.updates.updates[1].Type)

	for _, req := range []*RegisterRequest{
		{PnfsID: "0003", Type: "CORRUPT_FILE"},
		{PnfsID: "0003", Type: "RELOAD"},
		{PnfsID: "0003", Type: "MISPLACED"},
	} {
		_, err = f.client.Register(ctx, req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), req.Type)
	}

	f.updates.err = errors.New("namespace unreachable")
	_, err = f.client.Register(ctx, &RegisterRequest{PnfsID: "0002"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestAdmin_FileFilters(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	resp, err := f.client.CountFiles(ctx, &FileFilterRequest{Filter: &FileFilter{
		States:      []string{"waiting", "RUNNING"},
		Retention:   "replica",
		PoolPattern: "^p[12]$",
		Unit:        "u",
	}})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Count)

	filter := f.files.filter
	require.NotNil(t, filter)
	assert.Equal(t, []fileops.State{fileops.StateWaiting, fileops.StateRunning}, filter.States)
	require.NotNil(t, filter.Retention)
	assert.Equal(t, types.RetentionReplica, *filter.Retention)
	assert.True(t, filter.PoolPattern.MatchString("p2"))
	assert.False(t, filter.PoolPattern.MatchString("p3"))
	assert.Equal(t, "u", filter.Unit)

	_, err = f.client.CountFiles(ctx, &FileFilterRequest{})
	require.NoError(t, err)
	assert.Nil(t, f.files.filter, "no filter matches everything")

	tests := []struct {
		name   string
		filter *FileFilter
	}{
		{"unknown state", &FileFilter{States: []string{"SLEEPING"}}},
		{"unknown retention", &FileFilter{Retention: "forever"}},
		{"bad pattern", &FileFilter{PoolPattern: "p["}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.CountFiles(ctx, &FileFilterRequest{Filter: tt.filter})
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestAdmin_CancelAndListFiles(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	resp, err := f.client.CancelFiles(ctx, &FileFilterRequest{Filter: &FileFilter{PnfsIDs: []string{"0001"}, Force: true}})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Count)
	assert.True(t, f.files.cancel.Force)
	assert.Equal(t, []types.PnfsID{"0001"}, f.files.cancel.PnfsIDs)

	list, err := f.client.ListFiles(ctx, &FileFilterRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list.Operations, 1)
	assert.Equal(t, types.PnfsID("0001"), list.Operations[0].PnfsID)
	assert.Equal(t, "WAITING", list.Operations[0].State)
	assert.Equal(t, 1, list.Running)
	assert.Equal(t, 1, list.Foreground)
}

func TestAdmin_Pools(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	list, err := f.client.ListPools(ctx, &PoolFilterRequest{Filter: &PoolFilter{States: []string{"idle"}}})
	require.NoError(t, err)
	require.Len(t, list.Pools, 1)
	assert.Equal(t, "p1", list.Pools[0].Pool)
	assert.Equal(t, []poolops.State{poolops.StateIdle}, f.pools.filter.States)

	resp, err := f.client.CancelPools(ctx, &PoolFilterRequest{Filter: &PoolFilter{Pools: []string{"p1"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, []string{"p1"}, f.pools.filter.Pools)

	resp, err = f.client.SetIncluded(ctx, &SetIncludedRequest{Filter: &PoolFilter{PoolPattern: "p.*"}, Include: true})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
	assert.True(t, f.pools.include)

	resp, err = f.client.Scan(ctx, &ScanRequest{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Count)
	assert.True(t, f.pools.force)

	resp, err = f.client.Scan(ctx, &ScanRequest{Unit: "u"})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Count)
	assert.Equal(t, "u", f.pools.unit)

	_, err = f.client.Scan(ctx, &ScanRequest{Unit: "u", Filter: &PoolFilter{}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.ListPools(ctx, &PoolFilterRequest{Filter: &PoolFilter{States: []string{"DONE"}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_SetPoolStatus(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	resp, err := f.client.SetPoolStatus(ctx, &SetPoolStatusRequest{Pool: "p1", Mode: "disabled"})
	require.NoError(t, err)
	assert.Equal(t, &SetPoolStatusResponse{Pool: "p1", Status: "DOWN", Action: "UP_TO_DOWN"}, resp)
	assert.Equal(t, topology.ModeDisabled, f.pools.modes["p1"])

	tests := []struct {
		name string
		req  *SetPoolStatusRequest
		want codes.Code
	}{
		{name: "missing pool", req: &SetPoolStatusRequest{Mode: "enabled"}, want: codes.InvalidArgument},
		{name: "bad mode", req: &SetPoolStatusRequest{Pool: "p1", Mode: "sideways"}, want: codes.InvalidArgument},
		{name: "unknown pool", req: &SetPoolStatusRequest{Pool: "nope", Mode: "enabled"}, want: codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.SetPoolStatus(ctx, tt.req)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestAdmin_RunCheckpointNow(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newAdminFixture(t, nil)
		_, err := f.client.RunCheckpointNow(ctx)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("written", func(t *testing.T) {
		f := newAdminFixture(t, &fakeCheckpointer{})
		resp, err := f.client.RunCheckpointNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 12, resp.Records)
		assert.Equal(t, "/var/lib/resilience/checkpoint", resp.Path)
	})

	t.Run("write fails", func(t *testing.T) {
		f := newAdminFixture(t, &fakeCheckpointer{err: errors.New("disk full")})
		_, err := f.client.RunCheckpointNow(ctx)
		assert.Equal(t, codes.Internal, status.Code(err))
	})
}
