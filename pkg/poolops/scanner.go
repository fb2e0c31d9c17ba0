package poolops

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// scanTask walks the files of one pool and feeds each through file update
// validation as a child of the scan.
type scanTask struct {
	m          *Map
	pool       types.PoolName
	generation uint64
	unit       string
	status     topology.PoolStatus
}

func (s *scanTask) messageType() fileops.MessageType {
	switch {
	case s.unit != "":
		return fileops.UnitConstraintChange
	case s.status == topology.StatusDown:
		return fileops.PoolStatusDown
	default:
		return fileops.PoolStatusUp
	}
}

func (s *scanTask) Run(ctx context.Context) {
	dispatched, err := s.scan(ctx)
	s.m.scanFinished(s.pool, s.generation, dispatched, err)
}

func (s *scanTask) scan(ctx context.Context) (int, error) {
	logger := s.m.logger.With(zap.String("pool", string(s.pool)), zap.Uint64("generation", s.generation))
	typ := s.messageType()

	visited, dispatched, errs := 0, 0, 0
	err := s.m.ns.FilesOnPool(ctx, s.pool, func(attrs types.FileAttributes) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.unit != "" && string(attrs.StorageClass) != s.unit {
			return nil
		}
		visited++
		s.m.metrics.PoolScanned.Inc()

		outcome, err := s.m.updates.HandleUpdate(ctx, &fileops.FileUpdate{
			PnfsID:     attrs.PnfsID,
			Pool:       s.pool,
			Type:       typ,
			Unit:       types.UnitName(s.unit),
			Parent:     s.pool,
			Generation: s.generation,
		})
		if err != nil {
			errs++
			logger.Warn("Failed to handle scanned file",
				zap.String("pnfsid", string(attrs.PnfsID)),
				zap.Error(err))
			return nil
		}
		if outcome == fileops.Created {
			dispatched++
		}
		return nil
	})

	logger.Debug("Pool scan walked namespace",
		zap.Int("visited", visited),
		zap.Int("dispatched", dispatched),
		zap.Int("errors", errs))

	if err != nil {
		return dispatched, fmt.Errorf("failed to scan pool %s: %w", s.pool, err)
	}
	return dispatched, nil
}
