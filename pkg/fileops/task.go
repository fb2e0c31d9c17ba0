package fileops

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/types"
)

var errCanceled = errors.New("operation cancelled")

// FileTask runs one pass of a file operation on the executor.
type FileTask struct {
	op      *Operation
	handler *Handler
}

func (t *FileTask) Run(ctx context.Context) {
	void, err := t.execute(ctx)
	t.handler.fileMap.TaskTerminated(t.op, err, void)
}

func (t *FileTask) execute(ctx context.Context) (bool, error) {
	h := t.handler
	op := t.op

	if op.State() == StateCanceled {
		return false, tasks.NewError(tasks.CodeCanceled, "", errCanceled)
	}
	if err := ctx.Err(); err != nil {
		return false, tasks.NewError(tasks.CodeCanceled, "", context.Cause(ctx))
	}

	p, err := h.verify(ctx, op)
	if err != nil {
		return false, err
	}

	switch p.action {
	case ActionCopy:
		op.setCopy(p.source, p.target)
		source, err := h.poolName(p.source)
		if err != nil {
			return false, tasks.NewError(tasks.CodeSourceUnavailable, "", err)
		}
		target, err := h.poolName(p.target)
		if err != nil {
			return false, err
		}
		h.logger.Debug("Copying replica",
			zap.String("pnfsid", string(op.PnfsID())),
			zap.String("source", string(source)),
			zap.String("target", string(target)))
		return false, h.mover.Copy(ctx, op.PnfsID(), source, target)

	case ActionRemove:
		op.setRemove(p.target)
		target, err := h.poolName(p.target)
		if err != nil {
			return false, err
		}
		h.logger.Debug("Removing replica",
			zap.String("pnfsid", string(op.PnfsID())),
			zap.String("pool", string(target)))
		return false, h.mover.Remove(ctx, op.PnfsID(), target)
	}

	if op.VerifySticky() && len(p.readable) > 0 {
		pools := make([]types.PoolName, 0, len(p.readable))
		for _, idx := range p.readable {
			if name, err := h.poolName(idx); err == nil {
				pools = append(pools, name)
			}
		}
		if err := h.mover.SetSticky(ctx, op.PnfsID(), pools); err != nil {
			return false, err
		}
	}
	return true, nil
}
