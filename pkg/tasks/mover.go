package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// Mover performs replica changes on pools.
type Mover interface {
	Copy(ctx context.Context, pnfsid types.PnfsID, source, target types.PoolName) error
	Remove(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) error
	MarkBroken(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) error
	SetSticky(ctx context.Context, pnfsid types.PnfsID, pools []types.PoolName) error
}

// LocationStore is the part of the namespace store the recording mover writes
// to.
type LocationStore interface {
	namespace.Namespace
	AddLocation(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) (bool, error)
	ClearLocation(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) (bool, error)
}

// RecordingMover moves no bytes: it applies replica changes to the namespace
// store, which makes the controller runnable end to end without pools.
type RecordingMover struct {
	store  LocationStore
	delay  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	sticky map[types.PnfsID][]types.PoolName
	broken map[types.PnfsID][]types.PoolName
}

func NewRecordingMover(store LocationStore, delay time.Duration, logger *zap.Logger) *RecordingMover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingMover{
		store:  store,
		delay:  delay,
		logger: logger.With(zap.String("component", "mover")),
		sticky: make(map[types.PnfsID][]types.PoolName),
		broken: make(map[types.PnfsID][]types.PoolName),
	}
}

func (m *RecordingMover) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func canceled(err error, pool types.PoolName) error {
	return NewError(CodeCanceled, string(pool), err)
}

func (m *RecordingMover) Copy(ctx context.Context, pnfsid types.PnfsID, source, target types.PoolName) error {
	if err := ctx.Err(); err != nil {
		return canceled(err, target)
	}
	attrs, err := m.store.RequiredAttributes(ctx, pnfsid)
	if errors.Is(err, namespace.ErrFileNotFound) {
		return NewError(CodeFileNotFound, string(source), err)
	}
	if err != nil {
		return NewError(CodeTransient, "", err)
	}
	if m.isBroken(pnfsid, source) {
		return NewError(CodeFileCorrupted, string(source), fmt.Errorf("replica of %s is broken", pnfsid))
	}
	if !attrs.HasLocation(source) {
		return NewError(CodeSourceUnavailable, string(source), fmt.Errorf("no replica of %s", pnfsid))
	}
	if err := m.wait(ctx); err != nil {
		return canceled(err, target)
	}
	if _, err := m.store.AddLocation(ctx, pnfsid, target); err != nil {
		return NewError(CodeTargetUnavailable, string(target), err)
	}
	m.logger.Debug("Replica copied",
		zap.String("pnfsid", string(pnfsid)),
		zap.String("source", string(source)),
		zap.String("target", string(target)))
	return nil
}

func (m *RecordingMover) Remove(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) error {
	if err := m.wait(ctx); err != nil {
		return canceled(err, pool)
	}
	removed, err := m.store.ClearLocation(ctx, pnfsid, pool)
	if errors.Is(err, namespace.ErrFileNotFound) {
		return NewError(CodeFileNotFound, string(pool), err)
	}
	if err != nil {
		return NewError(CodeTransient, string(pool), err)
	}
	if !removed {
		return NewError(CodeTargetUnavailable, string(pool), fmt.Errorf("no replica of %s", pnfsid))
	}
	m.logger.Debug("Replica removed",
		zap.String("pnfsid", string(pnfsid)),
		zap.String("pool", string(pool)))
	return nil
}

// MarkBroken records the replica as unusable and drops it from the
// namespace, so later verification no longer counts it.
func (m *RecordingMover) MarkBroken(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) error {
	m.mu.Lock()
	known := false
	for _, p := range m.broken[pnfsid] {
		if p == pool {
			known = true
			break
		}
	}
	if !known {
		m.broken[pnfsid] = append(m.broken[pnfsid], pool)
	}
	m.mu.Unlock()

	if _, err := m.store.ClearLocation(ctx, pnfsid, pool); err != nil {
		return fmt.Errorf("failed to clear broken replica of %s on %s: %w", pnfsid, pool, err)
	}
	m.logger.Info("Broken replica cleared",
		zap.String("pnfsid", string(pnfsid)),
		zap.String("pool", string(pool)))
	return nil
}

func (m *RecordingMover) isBroken(pnfsid types.PnfsID, pool types.PoolName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.broken[pnfsid] {
		if p == pool {
			return true
		}
	}
	return false
}

func (m *RecordingMover) SetSticky(ctx context.Context, pnfsid types.PnfsID, pools []types.PoolName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sticky[pnfsid] = append([]types.PoolName(nil), pools...)
	return nil
}

// Sticky returns the pools on which the system sticky flag was last set.
func (m *RecordingMover) Sticky(pnfsid types.PnfsID) []types.PoolName {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PoolName(nil), m.sticky[pnfsid]...)
}
