package fileops

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/placement"
	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// ParentTracker receives completions of operations created by a pool scan.
type ParentTracker interface {
	ChildTerminated(pool types.PoolName, generation uint64, pnfsid types.PnfsID, failed bool)
}

// Submitter is the executor surface the handler submits file tasks to.
type Submitter interface {
	Submit(name string, fn tasks.Func) (string, error)
	Cancel(id, reason string) bool
}

// Handler validates file updates, registers them with the map and carries
// out the work of each pass.
type Handler struct {
	logger    *zap.Logger
	ns        namespace.Namespace
	topo      *topology.Map
	selector  *placement.Selector
	mover     tasks.Mover
	submitter Submitter

	fileMap *Map
	parents ParentTracker
}

func NewHandler(ns namespace.Namespace, topo *topology.Map, mover tasks.Mover, submitter Submitter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:    logger.With(zap.String("component", "file-handler")),
		ns:        ns,
		topo:      topo,
		selector:  placement.NewSelector(topo),
		mover:     mover,
		submitter: submitter,
	}
}

// Attach wires the map and the pool-side tracker after construction.
func (h *Handler) Attach(m *Map, parents ParentTracker) {
	h.fileMap = m
	h.parents = parents
}

// HandleUpdate validates u and registers the resulting operation. Updates
// for files that need nothing, or that are not managed, are dropped.
func (h *Handler) HandleUpdate(ctx context.Context, u *FileUpdate) (RegisterOutcome, error) {
	reg, ok, err := h.validate(ctx, u)
	if err != nil {
		return Dropped, err
	}
	if !ok {
		return Dropped, nil
	}
	outcome := h.fileMap.Register(reg)
	h.logger.Debug("File update registered",
		zap.String("pnfsid", string(u.PnfsID)),
		zap.Stringer("type", u.Type),
		zap.String("pool", string(u.Pool)),
		zap.Int("count", reg.Count),
		zap.Stringer("outcome", outcome))
	return outcome, nil
}

func (h *Handler) validate(ctx context.Context, u *FileUpdate) (Registration, bool, error) {
	var reg Registration

	attrs, err := h.ns.RequiredAttributes(ctx, u.PnfsID)
	if errors.Is(err, namespace.ErrFileNotFound) {
		h.logger.Debug("File no longer exists", zap.String("pnfsid", string(u.PnfsID)))
		return reg, false, nil
	}
	if err != nil {
		return reg, false, fmt.Errorf("failed to get attributes of %s: %w", u.PnfsID, err)
	}
	if attrs.AccessLatency != types.LatencyOnline {
		return reg, false, nil
	}

	var group topology.GroupIndex
	var ok bool
	switch {
	case u.Group != "":
		group, ok = h.topo.GroupIndex(string(u.Group))
	case u.Pool != "":
		if pool, found := h.topo.PoolIndex(string(u.Pool)); found {
			group, ok = h.topo.ResilientGroupOf(pool)
		}
	default:
		group, ok = h.groupOfLocations(attrs.Locations)
	}
	if !ok || !h.topo.IsResilientGroup(group) {
		return reg, false, nil
	}

	unitName := string(attrs.StorageClass)
	if u.Unit != "" {
		unitName = string(u.Unit)
	}
	unit, ok := h.topo.UnitIndex(unitName)
	if !ok || !h.topo.IsUnitInGroup(unit, group) {
		return reg, false, nil
	}
	constraints, ok := h.topo.Constraints(unit)
	if !ok {
		return reg, false, nil
	}

	var tried []topology.PoolIndex
	if u.Type == CorruptFile {
		if p, found := h.topo.PoolIndex(string(u.Pool)); found {
			tried = append(tried, p)
			h.reportBroken(ctx, u.PnfsID, u.Pool)
		}
	}

	readable := 0
	for _, loc := range attrs.Locations {
		p, found := h.topo.PoolIndex(string(loc))
		if !found || !h.topo.IsPoolInGroup(p, group) {
			continue
		}
		if u.Type == CorruptFile && loc == u.Pool {
			continue
		}
		if h.topo.Status(p) != topology.StatusDown {
			readable++
		}
	}
	if readable == 0 {
		h.logger.Error("File has no accessible replica",
			zap.Bool("alarm", true),
			zap.String("alarm_type", "inaccessible_file"),
			zap.String("pnfsid", string(u.PnfsID)),
			zap.Any("locations", attrs.Locations))
		return reg, false, nil
	}

	count := constraints.Required - readable
	if count < 0 {
		count = -count
	}
	if u.isReload() {
		count = u.Count
	}
	if count == 0 {
		if !u.VerifySticky {
			return reg, false, nil
		}
		count = 1
	}

	reg = Registration{
		PnfsID:       u.PnfsID,
		Size:         attrs.Size,
		Retention:    attrs.RetentionPolicy,
		Group:        group,
		Unit:         topology.Some(unit),
		Count:        count,
		VerifySticky: u.VerifySticky,
		Tried:        tried,
		Generation:   u.Generation,
	}
	if u.isReload() {
		reg.RetryCount = u.RetryCount
	}
	if u.Parent != "" {
		if p, found := h.topo.PoolIndex(string(u.Parent)); found {
			reg.Parent = topology.Some(p)
		}
	}
	return reg, true, nil
}

// groupOfLocations returns the resilient group of the first location that
// has one.
func (h *Handler) groupOfLocations(locations []types.PoolName) (topology.GroupIndex, bool) {
	for _, loc := range locations {
		if p, found := h.topo.PoolIndex(string(loc)); found {
			if g, ok := h.topo.ResilientGroupOf(p); ok {
				return g, true
			}
		}
	}
	return 0, false
}

func (h *Handler) SubmitTask(op *Operation) (string, error) {
	task := &FileTask{op: op, handler: h}
	return h.submitter.Submit("file "+string(op.PnfsID()), task.Run)
}

func (h *Handler) CancelTask(id, reason string) {
	h.submitter.Cancel(id, reason)
}

func (h *Handler) ReportBroken(op *Operation, pool topology.PoolIndex) {
	name, ok := h.topo.PoolName(pool)
	if !ok {
		return
	}
	h.reportBroken(context.Background(), op.PnfsID(), types.PoolName(name))
}

func (h *Handler) reportBroken(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) {
	h.logger.Error("Broken replica",
		zap.Bool("alarm", true),
		zap.String("alarm_type", "broken_file"),
		zap.String("pnfsid", string(pnfsid)),
		zap.String("pool", string(pool)))
	if err := h.mover.MarkBroken(ctx, pnfsid, pool); err != nil {
		h.logger.Warn("Failed to mark replica broken",
			zap.String("pnfsid", string(pnfsid)),
			zap.String("pool", string(pool)),
			zap.Error(err))
	}
}

func (h *Handler) ReportAborted(op *Operation, err error) {
	v := op.View(h.topo)
	h.logger.Error("File operation aborted",
		zap.Bool("alarm", true),
		zap.String("alarm_type", "failed_replication"),
		zap.String("pnfsid", string(v.PnfsID)),
		zap.Int("retries", v.RetryCount),
		zap.Strings("tried", v.Tried),
		zap.Error(err))
}

func (h *Handler) ChildTerminated(op *Operation, failed bool) {
	p, gen, ok := op.Parent()
	if !ok || h.parents == nil {
		return
	}
	name, ok := h.topo.PoolName(p)
	if !ok {
		return
	}
	h.parents.ChildTerminated(types.PoolName(name), gen, op.PnfsID(), failed)
}

// plan is the result of verifying a file before a pass.
type plan struct {
	action   Action
	source   topology.PoolIndex
	target   topology.PoolIndex
	readable []topology.PoolIndex
}

// verify re-reads the file and decides what this pass must do. Missing
// candidates come back as typed task errors for the classifier.
func (h *Handler) verify(ctx context.Context, op *Operation) (plan, error) {
	var p plan

	attrs, err := h.ns.RequiredAttributes(ctx, op.PnfsID())
	if errors.Is(err, namespace.ErrFileNotFound) {
		return p, nil
	}
	if err != nil {
		return p, tasks.NewError(tasks.CodeTransient, "", err)
	}

	group := op.Group()
	if !h.topo.IsResilientGroup(group) {
		return p, nil
	}
	unit, ok := op.Unit().Get()
	if !ok {
		return p, nil
	}
	constraints, ok := h.topo.Constraints(unit)
	if !ok {
		return p, nil
	}

	var inGroup []topology.PoolIndex
	for _, loc := range attrs.Locations {
		idx, found := h.topo.PoolIndex(string(loc))
		if !found || !h.topo.IsPoolInGroup(idx, group) {
			continue
		}
		inGroup = append(inGroup, idx)
		if h.topo.Status(idx).Readable() {
			p.readable = append(p.readable, idx)
		}
	}
	if len(p.readable) == 0 {
		return p, tasks.NewError(tasks.CodeNoCandidates, "",
			fmt.Errorf("%s has no readable replica in the group", op.PnfsID()))
	}

	missing := constraints.Required - len(p.readable)
	switch {
	case missing > 0:
		source, err := h.selector.SelectSource(p.readable, op.IsTried)
		if err != nil {
			return p, tasks.NewError(tasks.CodeNoCandidates, "", err)
		}
		target, err := h.selector.SelectTarget(group, constraints, inGroup, op.IsTried)
		if err != nil {
			return p, tasks.NewError(tasks.CodeNoCandidates, "", err)
		}
		p.action, p.source, p.target = ActionCopy, source, target
	case missing < 0:
		target, err := h.selector.SelectRemoveTarget(constraints, p.readable, op.IsTried)
		if err != nil {
			return p, tasks.NewError(tasks.CodeNoCandidates, "", err)
		}
		p.action, p.target = ActionRemove, target
	}
	return p, nil
}

func (h *Handler) poolName(p topology.PoolIndex) (types.PoolName, error) {
	name, ok := h.topo.PoolName(p)
	if !ok {
		return "", tasks.NewError(tasks.CodeTargetUnavailable, "", fmt.Errorf("pool index %d no longer exists", p))
	}
	return types.PoolName(name), nil
}
