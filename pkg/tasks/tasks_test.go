package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/types"
)

func TestError_Wrapping(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("copy failed: %w", NewError(CodeNoSpace, "p1", base))

	assert.Equal(t, CodeNoSpace, CodeOf(err))
	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "no-space on pool p1")
	assert.Equal(t, CodeUnknown, CodeOf(base))
}

func TestExecutor_RunsTasks(t *testing.T) {
	e := NewExecutor(2, 16, nil)
	e.Start()
	defer e.Stop()

	var ran atomic.Int32
	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		_, err := e.Submit("count", func(ctx context.Context) {
			ran.Add(1)
			done <- struct{}{}
		})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	assert.Equal(t, int32(4), ran.Load())
}

func TestExecutor_Cancel(t *testing.T) {
	e := NewExecutor(1, 4, nil)
	e.Start()
	defer e.Stop()

	started := make(chan struct{})
	result := make(chan error, 1)
	id, err := e.Submit("block", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		result <- context.Cause(ctx)
	})
	require.NoError(t, err)

	<-started
	assert.True(t, e.Cancel(id, "admin cancel"))

	select {
	case err := <-result:
		assert.EqualError(t, err, "admin cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("task ignored cancellation")
	}
	assert.False(t, e.Cancel("unknown", "x"))
}

func TestExecutor_QueueFullAndStopped(t *testing.T) {
	e := NewExecutor(1, 1, nil)

	_, err := e.Submit("a", func(context.Context) {})
	require.NoError(t, err)
	_, err = e.Submit("b", func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)

	ran := make(chan struct{}, 1)
	e.Start()
	e.Stop()
	_, err = e.Submit("c", func(context.Context) { ran <- struct{}{} })
	assert.ErrorIs(t, err, ErrExecutorStopped)
	assert.Zero(t, e.Pending())
}

func TestRecordingMover(t *testing.T) {
	ctx := context.Background()
	store, err := namespace.Open(namespace.StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, types.FileAttributes{
		PnfsID:        "0001",
		Locations:     []types.PoolName{"p1"},
		AccessLatency: types.LatencyOnline,
	}))

	m := NewRecordingMover(store, 0, nil)

	require.NoError(t, m.Copy(ctx, "0001", "p1", "p2"))
	attrs, err := store.RequiredAttributes(ctx, "0001")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.PoolName{"p1", "p2"}, attrs.Locations)

	err = m.Copy(ctx, "0001", "p9", "p3")
	assert.Equal(t, CodeSourceUnavailable, CodeOf(err))

	require.NoError(t, m.MarkBroken(ctx, "0001", "p1"))
	attrs, err = store.RequiredAttributes(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, []types.PoolName{"p2"}, attrs.Locations, "a broken replica leaves the namespace")
	err = m.Copy(ctx, "0001", "p1", "p3")
	assert.Equal(t, CodeFileCorrupted, CodeOf(err))

	require.NoError(t, m.Remove(ctx, "0001", "p2"))
	err = m.Remove(ctx, "0001", "p2")
	assert.Equal(t, CodeTargetUnavailable, CodeOf(err))

	err = m.Copy(ctx, "missing", "p1", "p2")
	assert.Equal(t, CodeFileNotFound, CodeOf(err))

	require.NoError(t, m.SetSticky(ctx, "0001", []types.PoolName{"p1"}))
	assert.Equal(t, []types.PoolName{"p1"}, m.Sticky("0001"))
}

func TestRecordingMover_CancelledCopy(t *testing.T) {
	store, err := namespace.Open(namespace.StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(context.Background(), types.FileAttributes{
		PnfsID:    "0001",
		Locations: []types.PoolName{"p1"},
	}))

	m := NewRecordingMover(store, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = m.Copy(ctx, "0001", "p1", "p2")
	assert.Equal(t, CodeCanceled, CodeOf(err))
}
