package poolops

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/metrics"
	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

var ErrUnknownPool = errors.New("unknown pool")

type Config struct {
	MaxRunning         int
	DownGracePeriod    time.Duration
	RestartGracePeriod time.Duration
	RescanWindow       time.Duration
	WatchdogPeriod     time.Duration
	Timeout            time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRunning:         10,
		DownGracePeriod:    time.Hour,
		RestartGracePeriod: 6 * time.Hour,
		RescanWindow:       24 * time.Hour,
		WatchdogPeriod:     5 * time.Minute,
		Timeout:            time.Minute,
	}
}

// UpdateHandler receives the file updates produced by a scan.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u *fileops.FileUpdate) (fileops.RegisterOutcome, error)
}

// ChildCanceller force-cancels the file operations created by a pool's scan.
type ChildCanceller interface {
	CancelChildren(pool topology.PoolIndex)
}

// Submitter runs scan tasks.
type Submitter interface {
	Submit(name string, fn tasks.Func) (string, error)
	Cancel(id, reason string) bool
}

// Map holds one operation per resilient pool and schedules their scans.
// One lock covers the idle, waiting and running maps; idle holds every
// operation that is not WAITING or RUNNING.
type Map struct {
	cfg       Config
	topo      *topology.Map
	ns        namespace.Namespace
	updates   UpdateHandler
	children  ChildCanceller
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu           sync.Mutex
	idle         map[types.PoolName]*Operation
	waiting      map[types.PoolName]*Operation
	running      map[types.PoolName]*Operation
	generation   uint64
	loaded       bool
	lastWatchdog time.Time

	wake chan struct{}
}

func NewMap(cfg Config, topo *topology.Map, ns namespace.Namespace, updates UpdateHandler,
	children ChildCanceller, submitter Submitter, m *metrics.Metrics, logger *zap.Logger) *Map {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	def := DefaultConfig()
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = def.MaxRunning
	}
	if cfg.WatchdogPeriod <= 0 {
		cfg.WatchdogPeriod = def.WatchdogPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	pm := &Map{
		cfg:       cfg,
		topo:      topo,
		ns:        ns,
		updates:   updates,
		children:  children,
		submitter: submitter,
		metrics:   m,
		logger:    logger.With(zap.String("component", "pool-operations")),
		now:       time.Now,
		idle:      make(map[types.PoolName]*Operation),
		waiting:   make(map[types.PoolName]*Operation),
		running:   make(map[types.PoolName]*Operation),
		wake:      make(chan struct{}, 1),
	}
	pm.lastWatchdog = pm.now()
	return pm
}

func (m *Map) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is done.
func (m *Map) Run(ctx context.Context) error {
	m.logger.Info("Pool operation scheduler started",
		zap.Int("max_running", m.cfg.MaxRunning),
		zap.Duration("down_grace", m.cfg.DownGracePeriod),
		zap.Duration("restart_grace", m.cfg.RestartGracePeriod),
		zap.Duration("rescan_window", m.cfg.RescanWindow))

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	for {
		m.sweep()

		timer.Reset(m.cfg.Timeout)
		select {
		case <-ctx.Done():
			m.logger.Info("Pool operation scheduler stopped")
			return nil
		case <-m.wake:
		case <-timer.C:
		}
	}
}

func (m *Map) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.terminateLocked(now)
	if now.Sub(m.lastWatchdog) >= m.cfg.WatchdogPeriod {
		m.watchdogLocked(now)
		m.lastWatchdog = now
	}
	m.promoteLocked(now)
	m.publishLocked()
}

func bucketOf(s State) State {
	if s == StateWaiting || s == StateRunning {
		return s
	}
	return StateIdle
}

func (m *Map) bucket(s State) map[types.PoolName]*Operation {
	switch bucketOf(s) {
	case StateWaiting:
		return m.waiting
	case StateRunning:
		return m.running
	default:
		return m.idle
	}
}

func (m *Map) lookupLocked(pool types.PoolName) (*Operation, bool) {
	for _, b := range []map[types.PoolName]*Operation{m.running, m.waiting, m.idle} {
		if op, ok := b[pool]; ok {
			return op, true
		}
	}
	return nil, false
}

// fire applies e to op and moves it to the map of its new state.
func (m *Map) fire(op *Operation, e Event) error {
	from := op.state
	if err := op.transition(e); err != nil {
		return fmt.Errorf("pool %s: %w", op.pool, err)
	}
	if bucketOf(from) != bucketOf(op.state) {
		delete(m.bucket(from), op.pool)
		m.bucket(op.state)[op.pool] = op
	}
	return nil
}

func (m *Map) nextGenerationLocked() uint64 {
	m.generation++
	return m.generation
}

// Add creates an idle operation for a pool of a resilient group and applies
// the pool's current status to it.
func (m *Map) Add(pool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, created := m.addLocked(types.PoolName(pool))
	if created {
		m.signal()
	}
	return created
}

func (m *Map) addLocked(pool types.PoolName) (*Operation, bool) {
	if op, ok := m.lookupLocked(pool); ok {
		return op, false
	}
	idx, ok := m.topo.PoolIndex(string(pool))
	if !ok {
		return nil, false
	}
	g, ok := m.topo.ResilientGroupOf(idx)
	if !ok {
		return nil, false
	}
	group, _ := m.topo.GroupName(g)

	now := m.now()
	op := newOperation(pool, idx, group, now)
	op.lastScan = now
	m.idle[pool] = op
	m.logger.Debug("Pool operation added", zap.String("pool", string(pool)), zap.String("group", group))

	if err := m.updateLocked(op, m.topo.Status(idx)); err != nil {
		m.logger.Warn("Failed to apply initial pool status", zap.String("pool", string(pool)), zap.Error(err))
	}
	return op, true
}

// Remove drops a pool that left the resilient topology, cancelling its scan
// and the file operations it created.
func (m *Map) Remove(pool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(types.PoolName(pool))
}

func (m *Map) removeLocked(pool types.PoolName) bool {
	op, ok := m.lookupLocked(pool)
	if !ok {
		return false
	}
	if op.state == StateRunning {
		m.stopScanLocked(op, "pool removed")
	}
	delete(m.idle, pool)
	delete(m.waiting, pool)
	delete(m.running, pool)
	m.logger.Info("Pool operation removed", zap.String("pool", string(pool)))
	return true
}

// stopScanLocked cancels the scan task and every file operation it created.
// Completions still in flight carry the old generation and are ignored.
func (m *Map) stopScanLocked(op *Operation, reason string) {
	if op.taskID != "" {
		m.submitter.Cancel(op.taskID, reason)
	}
	m.children.CancelChildren(op.index)
	op.generation = m.nextGenerationLocked()
	op.resetChildren()
	m.metrics.PoolScans.WithLabelValues("canceled").Inc()
	m.logger.Info("Pool scan cancelled",
		zap.String("pool", string(op.pool)),
		zap.String("reason", reason))
}

// Update records a newly observed status for pool and schedules a scan if
// the change is a real transition.
func (m *Map) Update(pool string, status topology.PoolStatus) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.lookupLocked(types.PoolName(pool))
	if !ok {
		return ActionNop, nil
	}
	action := NextAction(op.currentStatus, status)
	if err := m.updateLocked(op, status); err != nil {
		return action, err
	}
	if action != ActionNop {
		m.signal()
	}
	return action, nil
}

// SetStatus applies a status message for a single pool: the pool's mode is
// changed in the topology and its operation reacts to the new status.
func (m *Map) SetStatus(pool string, mode topology.PoolMode) (topology.PoolStatus, Action, error) {
	old, cur, ok := m.topo.UpdateStatus(pool, mode)
	if !ok {
		return topology.StatusUninitialized, ActionNop, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	action, err := m.Update(pool, cur)
	if err != nil {
		return cur, action, fmt.Errorf("failed to apply status of pool %s: %w", pool, err)
	}
	m.logger.Debug("Pool status message applied",
		zap.String("pool", pool),
		zap.Stringer("mode", mode),
		zap.Stringer("from", old),
		zap.Stringer("to", cur),
		zap.Stringer("action", action))
	return cur, action, nil
}

func (m *Map) updateLocked(op *Operation, status topology.PoolStatus) error {
	action := NextAction(op.currentStatus, status)
	if action == ActionNop {
		return nil
	}
	op.lastStatus, op.currentStatus = op.currentStatus, status
	op.lastUpdate = m.now()
	op.scannedDown = false
	op.unit = ""

	m.logger.Info("Pool status changed",
		zap.String("pool", string(op.pool)),
		zap.Stringer("from", op.lastStatus),
		zap.Stringer("to", op.currentStatus),
		zap.Stringer("action", action),
		zap.Stringer("state", op.state))

	if op.state == StateExcluded {
		return nil
	}
	return m.activateLocked(op, false)
}

// activateLocked puts op in WAITING. A running scan is stopped and restarts
// from scratch; a waiting operation keeps its place but restarts its grace.
func (m *Map) activateLocked(op *Operation, force bool) error {
	switch op.state {
	case StateWaiting:
		op.forceScan = op.forceScan || force
		return nil
	case StateRunning:
		m.stopScanLocked(op, "pool status changed")
		if err := m.fire(op, EventCancel); err != nil {
			return err
		}
		if err := m.fire(op, EventReset); err != nil {
			return err
		}
	case StateCanceled, StateFailed:
		if err := m.fire(op, EventReset); err != nil {
			return err
		}
	}
	if err := m.fire(op, EventActivate); err != nil {
		return err
	}
	op.forceScan = force
	return nil
}

// ApplyTopology folds the result of a topology refresh into the pool
// operations. On the first call every resilient pool is added without
// forcing scans.
func (m *Map) ApplyTopology(res *topology.ApplyResult) {
	if res == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	initial := !m.loaded
	m.loaded = true

	for _, pool := range res.Left {
		m.removeLocked(types.PoolName(pool))
	}

	var joined []*Operation
	for _, pool := range res.Joined {
		if op, created := m.addLocked(types.PoolName(pool)); created {
			joined = append(joined, op)
		}
	}

	for _, ch := range res.StatusChanges {
		op, ok := m.lookupLocked(types.PoolName(ch.Pool))
		if !ok {
			continue
		}
		if err := m.updateLocked(op, ch.New); err != nil {
			m.logger.Warn("Failed to apply pool status", zap.String("pool", ch.Pool), zap.Error(err))
		}
	}

	if !initial {
		for _, op := range joined {
			if op.state == StateExcluded {
				continue
			}
			if err := m.activateLocked(op, true); err != nil {
				m.logger.Warn("Failed to schedule scan of joined pool", zap.String("pool", string(op.pool)), zap.Error(err))
			}
		}
		for _, unit := range res.ChangedUnits {
			m.scanUnitLocked(unit)
		}
	}
	m.signal()
}

// Scan forces or schedules a scan of every matching pool that is not
// running or excluded.
func (m *Map) Scan(filter *Filter, force bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.sortedLocked(m.idle, m.waiting) {
		if op.state == StateExcluded || !filter.Matches(op.view()) {
			continue
		}
		op.unit = ""
		if err := m.activateLocked(op, force); err != nil {
			m.logger.Warn("Failed to schedule scan", zap.String("pool", string(op.pool)), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		m.signal()
	}
	return n
}

// ScanUnit forces a scan, restricted to unit, of every pool in the
// resilient groups linked to unit.
func (m *Map) ScanUnit(unit string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.scanUnitLocked(unit)
	if n > 0 {
		m.signal()
	}
	return n
}

func (m *Map) scanUnitLocked(unit string) int {
	u, ok := m.topo.UnitIndex(unit)
	if !ok {
		return 0
	}
	n := 0
	for _, g := range m.topo.GroupsOfUnit(u) {
		if !m.topo.IsResilientGroup(g) {
			continue
		}
		for _, p := range m.topo.PoolsOfGroup(g) {
			name, ok := m.topo.PoolName(p)
			if !ok {
				continue
			}
			op, ok := m.lookupLocked(types.PoolName(name))
			if !ok || op.state == StateExcluded || op.state == StateRunning {
				continue
			}
			if err := m.activateLocked(op, true); err != nil {
				continue
			}
			op.unit = unit
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Storage unit changed, scanning its pools",
			zap.String("unit", unit),
			zap.Int("pools", n))
	}
	return n
}

// SetIncluded excludes matching pools from scanning, or brings excluded
// ones back. Exclusion of a waiting or running pool cancels it first.
func (m *Map) SetIncluded(filter *Filter, include bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.sortedLocked(m.idle, m.waiting, m.running) {
		if !filter.Matches(op.view()) {
			continue
		}
		var err error
		if include {
			if op.state != StateExcluded {
				continue
			}
			err = m.fire(op, EventInclude)
		} else {
			if op.state == StateExcluded {
				continue
			}
			err = m.excludeLocked(op)
		}
		if err != nil {
			m.logger.Warn("Failed to change pool inclusion", zap.String("pool", string(op.pool)), zap.Error(err))
			continue
		}
		n++
	}
	m.signal()
	return n
}

func (m *Map) excludeLocked(op *Operation) error {
	switch op.state {
	case StateRunning:
		m.stopScanLocked(op, "pool excluded")
		fallthrough
	case StateWaiting:
		if err := m.fire(op, EventCancel); err != nil {
			return err
		}
	}
	return m.fire(op, EventExclude)
}

// Cancel cancels matching waiting and running pool operations.
func (m *Map) Cancel(filter *Filter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.sortedLocked(m.waiting, m.running) {
		if !filter.Matches(op.view()) {
			continue
		}
		if op.state == StateRunning {
			m.stopScanLocked(op, "cancelled by admin")
		}
		if err := m.fire(op, EventCancel); err != nil {
			m.logger.Warn("Failed to cancel pool operation", zap.String("pool", string(op.pool)), zap.Error(err))
			continue
		}
		op.forceScan = false
		n++
	}
	m.signal()
	return n
}

func (m *Map) Get(pool string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.lookupLocked(types.PoolName(pool))
	if !ok {
		return View{}, false
	}
	return m.viewLocked(op), true
}

// viewLocked adds the time the topology last refreshed the pool.
func (m *Map) viewLocked(op *Operation) View {
	v := op.view()
	v.StatusUpdated = m.topo.LastUpdate(op.index)
	return v
}

func (m *Map) List(filter *Filter, limit int) []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []View
	for _, op := range m.sortedLocked(m.idle, m.waiting, m.running) {
		if v := m.viewLocked(op); filter.Matches(v) {
			out = append(out, v)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (m *Map) Count(filter *Filter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range []map[types.PoolName]*Operation{m.idle, m.waiting, m.running} {
		for _, op := range b {
			if filter.Matches(op.view()) {
				n++
			}
		}
	}
	return n
}

func (m *Map) sortedLocked(buckets ...map[types.PoolName]*Operation) []*Operation {
	var ops []*Operation
	for _, b := range buckets {
		ops = slices.AppendSeq(ops, maps.Values(b))
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].pool < ops[j].pool })
	return ops
}

// ChildTerminated accounts for a file operation created by a scan of pool.
// Completions from an earlier scan generation are ignored.
func (m *Map) ChildTerminated(pool types.PoolName, generation uint64, pnfsid types.PnfsID, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.running[pool]
	if !ok || op.generation != generation {
		m.logger.Debug("Ignoring stale child completion",
			zap.String("pool", string(pool)),
			zap.String("pnfsid", string(pnfsid)),
			zap.Uint64("generation", generation))
		return
	}
	op.completed++
	if failed {
		op.failed++
	}
	if op.finished() {
		m.signal()
	}
}

// scanFinished records the end of the scan task for pool.
func (m *Map) scanFinished(pool types.PoolName, generation uint64, dispatched int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.running[pool]
	if !ok || op.generation != generation {
		return
	}
	op.scanDone = true
	op.taskID = ""
	op.dispatched = dispatched
	op.lastErr = err
	m.signal()
}

func (m *Map) terminateLocked(now time.Time) {
	for _, op := range m.sortedLocked(m.running) {
		if !op.finished() {
			continue
		}
		event, result := EventComplete, "completed"
		if op.lastErr != nil {
			event, result = EventFail, "failed"
		}
		if err := m.fire(op, event); err != nil {
			m.logger.Error("Failed to terminate pool scan", zap.String("pool", string(op.pool)), zap.Error(err))
			continue
		}
		op.lastScan = now
		op.scannedDown = op.currentStatus == topology.StatusDown
		op.forceScan = false
		op.unit = ""
		m.metrics.PoolScans.WithLabelValues(result).Inc()

		fields := []zap.Field{
			zap.String("pool", string(op.pool)),
			zap.Int("dispatched", op.dispatched),
			zap.Int("completed", op.completed),
			zap.Int("failed", op.failed),
		}
		if op.lastErr != nil {
			m.logger.Warn("Pool scan failed", append(fields, zap.Error(op.lastErr))...)
		} else {
			m.logger.Info("Pool scan completed", fields...)
		}
	}
}

// watchdogLocked schedules pools whose last scan is older than the rescan
// window. A pool that is down and was already scanned while down is left
// alone.
func (m *Map) watchdogLocked(now time.Time) {
	if m.cfg.RescanWindow <= 0 {
		return
	}
	for _, op := range m.sortedLocked(m.idle) {
		if op.state == StateExcluded || op.currentStatus == topology.StatusUninitialized {
			continue
		}
		if op.currentStatus == topology.StatusDown && op.scannedDown {
			continue
		}
		if now.Sub(op.lastScan) < m.cfg.RescanWindow {
			continue
		}
		if err := m.activateLocked(op, true); err != nil {
			m.logger.Warn("Failed to schedule periodic scan", zap.String("pool", string(op.pool)), zap.Error(err))
			continue
		}
		m.logger.Debug("Rescan window expired", zap.String("pool", string(op.pool)))
	}
}

func (m *Map) grace(op *Operation) time.Duration {
	if op.currentStatus == topology.StatusDown {
		return m.cfg.DownGracePeriod
	}
	return m.cfg.RestartGracePeriod
}

func (m *Map) promoteLocked(now time.Time) {
	available := m.cfg.MaxRunning - len(m.running)
	if available <= 0 {
		return
	}

	var ready []*Operation
	for _, op := range m.waiting {
		if op.forceScan || now.Sub(op.lastUpdate) >= m.grace(op) {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].lastUpdate.Equal(ready[j].lastUpdate) {
			return ready[i].lastUpdate.Before(ready[j].lastUpdate)
		}
		return ready[i].pool < ready[j].pool
	})
	if len(ready) > available {
		ready = ready[:available]
	}
	for _, op := range ready {
		m.startLocked(op)
	}
}

func (m *Map) startLocked(op *Operation) {
	op.resetChildren()
	op.lastErr = nil
	op.generation = m.nextGenerationLocked()
	if err := m.fire(op, EventStart); err != nil {
		m.logger.Error("Failed to start pool scan", zap.String("pool", string(op.pool)), zap.Error(err))
		return
	}

	task := &scanTask{
		m:          m,
		pool:       op.pool,
		generation: op.generation,
		unit:       op.unit,
		status:     op.currentStatus,
	}
	id, err := m.submitter.Submit("scan "+string(op.pool), task.Run)
	if err != nil {
		op.lastErr = fmt.Errorf("failed to submit scan: %w", err)
		if ferr := m.fire(op, EventFail); ferr != nil {
			m.logger.Error("Failed to fail pool scan", zap.String("pool", string(op.pool)), zap.Error(ferr))
		}
		m.metrics.PoolScans.WithLabelValues("failed").Inc()
		m.logger.Warn("Failed to submit pool scan", zap.String("pool", string(op.pool)), zap.Error(err))
		return
	}
	op.taskID = id
	m.metrics.PoolScans.WithLabelValues("started").Inc()
	m.logger.Info("Pool scan started",
		zap.String("pool", string(op.pool)),
		zap.Stringer("status", op.currentStatus),
		zap.Bool("forced", op.forceScan),
		zap.String("unit", op.unit),
		zap.Uint64("generation", op.generation))
}

func (m *Map) publishLocked() {
	counts := make(map[State]int)
	for _, b := range []map[types.PoolName]*Operation{m.idle, m.waiting, m.running} {
		for _, op := range b {
			counts[op.state]++
		}
	}
	for s := range stateNames {
		m.metrics.PoolOpsState.WithLabelValues(State(s).String()).Set(float64(counts[State(s)]))
	}
}
