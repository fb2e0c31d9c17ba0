package fileops

import (
	"container/list"
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/metrics"
	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

type Config struct {
	MaxRunning    int
	MaxRetries    int
	MaxAllocation float64
	Timeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRunning:    200,
		MaxRetries:    2,
		MaxAllocation: 0.8,
		Timeout:       time.Minute,
	}
}

// TaskHandler is what the scheduler needs from the rest of the controller.
type TaskHandler interface {
	SubmitTask(op *Operation) (string, error)
	CancelTask(id, reason string)
	ReportBroken(op *Operation, pool topology.PoolIndex)
	ReportAborted(op *Operation, err error)
	ChildTerminated(op *Operation, failed bool)
}

// RegisterOutcome says what a registration did to the index.
type RegisterOutcome int

const (
	Dropped RegisterOutcome = iota
	Created
	Incremented
)

func (o RegisterOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Incremented:
		return "incremented"
	default:
		return "dropped"
	}
}

type cancelRequest struct {
	filter *Filter
	parent topology.Optional[topology.PoolIndex]
	force  bool
}

// Map is the file operation index and its scheduler loop. The queues and
// the running set belong to the loop goroutine; other goroutines only touch
// the incoming buffer and the pending cancel list.
type Map struct {
	cfg        Config
	topo       *topology.Map
	handler    TaskHandler
	classifier Classifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	index *xsync.MapOf[types.PnfsID, *Operation]

	incomingMu sync.Mutex
	incoming   []*Operation

	cancelMu sync.Mutex
	cancels  []cancelRequest

	foreground *list.List
	background *list.List
	running    map[types.PnfsID]*Operation
	alternate  bool

	signals atomic.Int64
	wake    chan struct{}

	runningCount    atomic.Int64
	foregroundCount atomic.Int64
	backgroundCount atomic.Int64
}

func NewMap(cfg Config, topo *topology.Map, handler TaskHandler, classifier Classifier,
	m *metrics.Metrics, logger *zap.Logger) *Map {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = DefaultConfig().MaxRunning
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Map{
		cfg:        cfg,
		topo:       topo,
		handler:    handler,
		classifier: classifier,
		metrics:    m,
		logger:     logger.With(zap.String("component", "file-operations")),
		now:        time.Now,
		index:      xsync.NewMapOf[types.PnfsID, *Operation](),
		foreground: list.New(),
		background: list.New(),
		running:    make(map[types.PnfsID]*Operation),
		wake:       make(chan struct{}, 1),
	}
}

// Signal wakes the loop. Signals are counted so one that arrives while a
// sweep is under way triggers another sweep instead of being lost.
func (m *Map) Signal() {
	m.signals.Add(1)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is done.
func (m *Map) Run(ctx context.Context) error {
	m.logger.Info("File operation scheduler started",
		zap.Int("max_running", m.cfg.MaxRunning),
		zap.Int("max_retries", m.cfg.MaxRetries),
		zap.Float64("max_allocation", m.cfg.MaxAllocation))

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	for {
		seen := m.signals.Load()
		m.sweep()

		if ctx.Err() != nil {
			break
		}
		if m.signals.Load() != seen {
			continue
		}

		timer.Reset(m.cfg.Timeout)
		select {
		case <-ctx.Done():
		case <-m.wake:
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.logger.Info("File operation scheduler stopped")
	return nil
}

func (m *Map) Get(pnfsid types.PnfsID) (*Operation, bool) {
	return m.index.Load(pnfsid)
}

// Register creates an operation or adds a pass to an existing one.
func (m *Map) Register(r Registration) RegisterOutcome {
	now := m.now()
	fresh := newOperation(r, now)
	for {
		op, loaded := m.index.LoadOrStore(r.PnfsID, fresh)
		if !loaded {
			m.addIncoming(fresh)
			m.metrics.FileOpsRegistered.Inc()
			return Created
		}
		switch op.register(r, now) {
		case outcomeIncremented:
			m.Signal()
			return Incremented
		case outcomeRevived:
			m.addIncoming(op)
			return Created
		}
		// The loop is removing the old entry; retry once it is gone.
		runtime.Gosched()
	}
}

func (m *Map) addIncoming(op *Operation) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, op)
	m.incomingMu.Unlock()
	m.Signal()
}

// TaskTerminated is the completion callback of a file task.
func (m *Map) TaskTerminated(op *Operation, err error, void bool) {
	if op.taskTerminated(err, void, m.now()) {
		m.Signal()
	}
}

// Cancel queues a cancellation for the loop and returns how many
// operations match right now.
func (m *Map) Cancel(filter Filter) int {
	n := m.Count(&filter)
	m.cancelMu.Lock()
	m.cancels = append(m.cancels, cancelRequest{filter: &filter, force: filter.Force})
	m.cancelMu.Unlock()
	m.Signal()
	return n
}

// CancelChildren force-cancels every operation whose parent is pool.
func (m *Map) CancelChildren(pool topology.PoolIndex) {
	m.cancelMu.Lock()
	m.cancels = append(m.cancels, cancelRequest{parent: topology.Some(pool), force: true})
	m.cancelMu.Unlock()
	m.Signal()
}

// Count and List read the index without stopping the loop, so their view
// may be slightly stale.
func (m *Map) Count(filter *Filter) int {
	n := 0
	m.index.Range(func(_ types.PnfsID, op *Operation) bool {
		if filter.Matches(op.View(m.topo)) {
			n++
		}
		return true
	})
	return n
}

func (m *Map) List(filter *Filter, limit int) []View {
	var out []View
	m.index.Range(func(_ types.PnfsID, op *Operation) bool {
		if v := op.View(m.topo); filter.Matches(v) {
			out = append(out, v)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PnfsID < out[j].PnfsID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Size is the number of operations in the index.
func (m *Map) Size() int {
	return m.index.Size()
}

// Counts returns the running and queued totals published by the last sweep.
func (m *Map) Counts() (running, foreground, background int) {
	return int(m.runningCount.Load()), int(m.foregroundCount.Load()), int(m.backgroundCount.Load())
}

func (m *Map) sweep() {
	start := time.Now()

	m.drainIncoming()
	m.applyCancels()
	m.processTerminated()
	m.promote()

	m.runningCount.Store(int64(len(m.running)))
	m.foregroundCount.Store(int64(m.foreground.Len()))
	m.backgroundCount.Store(int64(m.background.Len()))

	m.metrics.FileOpsRunning.Set(float64(len(m.running)))
	m.metrics.FileOpsWaiting.WithLabelValues("foreground").Set(float64(m.foreground.Len()))
	m.metrics.FileOpsWaiting.WithLabelValues("background").Set(float64(m.background.Len()))
	m.metrics.FileOpsIndexed.Set(float64(m.index.Size()))
	m.metrics.FileSweepLatency.Observe(time.Since(start).Seconds())
}

func (m *Map) drainIncoming() {
	m.incomingMu.Lock()
	batch := m.incoming
	m.incoming = nil
	m.incomingMu.Unlock()

	now := m.now()
	for _, op := range batch {
		if op.markWaiting(now) {
			m.enqueue(op, false)
		}
	}
}

func (m *Map) enqueue(op *Operation, head bool) {
	q := m.foreground
	if op.isBackground() {
		q = m.background
	}
	if head {
		q.PushFront(op)
	} else {
		q.PushBack(op)
	}
}

func (m *Map) matches(req cancelRequest, op *Operation) bool {
	if p, ok := req.parent.Get(); ok {
		parent, _, has := op.Parent()
		return has && parent == p
	}
	return req.filter.Matches(op.View(m.topo))
}

func (m *Map) applyCancels() {
	m.cancelMu.Lock()
	reqs := m.cancels
	m.cancels = nil
	m.cancelMu.Unlock()

	now := m.now()
	for _, req := range reqs {
		for _, op := range m.running {
			if !m.matches(req, op) {
				continue
			}
			// The slot is reclaimed once the task reports back.
			if id, ok := op.cancel(req.force, now); ok && id != "" {
				m.handler.CancelTask(id, "cancelled")
			}
		}

		var matched []*Operation
		for _, q := range []*list.List{m.foreground, m.background} {
			for e := q.Front(); e != nil; {
				next := e.Next()
				if op := e.Value.(*Operation); m.matches(req, op) {
					q.Remove(e)
					matched = append(matched, op)
				}
				e = next
			}
		}
		for _, op := range matched {
			op.cancel(req.force, now)
			m.metrics.FileOpsTerminated.WithLabelValues("canceled").Inc()
			m.postProcess(op)
		}

		m.index.Range(func(id types.PnfsID, op *Operation) bool {
			if m.matches(req, op) && op.retireAborted() {
				m.index.Delete(id)
			}
			return true
		})
	}
}

func (m *Map) processTerminated() {
	for id, op := range m.running {
		if op.taskRunning() {
			continue
		}
		delete(m.running, id)
		m.terminate(op)
	}
}

func (m *Map) terminate(op *Operation) {
	switch op.State() {
	case StateFailed:
		m.handleFailure(op)
	case StateDone:
		m.metrics.FileOpsTerminated.WithLabelValues("done").Inc()
		op.clearSourceAndTarget(true)
	case StateVoid:
		m.metrics.FileOpsTerminated.WithLabelValues("void").Inc()
	case StateCanceled:
		m.metrics.FileOpsTerminated.WithLabelValues("canceled").Inc()
		op.clearSourceAndTarget(true)
	}
	m.postProcess(op)
}

func (m *Map) handleFailure(op *Operation) {
	err := op.LastError()
	source, target := op.Source(), op.Target()
	ft := m.classifier.Classify(err, source.IsSet())
	m.metrics.FileOpsFailures.WithLabelValues(ft.String()).Inc()

	m.logger.Debug("File operation failed",
		zap.String("pnfsid", string(op.PnfsID())),
		zap.Stringer("type", ft),
		zap.Error(err))

	switch ft {
	case FailureBroken:
		if p, ok := source.Get(); ok {
			m.handler.ReportBroken(op, p)
		}
		fallthrough
	case FailureNewSource:
		m.retryWith(op, source, err)
	case FailureNewTarget:
		m.retryWith(op, target, err)
	case FailureRetriable:
		m.retry(op, err)
	default:
		m.fail(op, err)
	}
}

// retryWith excludes the failed pool and retries with a fresh pair. If
// there is no new pool to exclude the failure counts as a plain retry.
func (m *Map) retryWith(op *Operation, failed topology.Optional[topology.PoolIndex], err error) {
	if !op.addTried(failed) {
		m.retry(op, err)
		return
	}
	op.clearSourceAndTarget(true)
	op.setRetryPending()
}

// retry counts the failure. Once the retry limit is reached the current
// pair joins the tried set; the operation still retries while the group has
// untried pools, and aborts otherwise. A failure past the limit that adds
// nothing to the tried set aborts as well.
func (m *Map) retry(op *Operation, err error) {
	source, target := op.Source(), op.Target()
	if op.incrementRetry() < m.cfg.MaxRetries {
		op.clearSourceAndTarget(false)
		op.setRetryPending()
		return
	}

	addedSource := op.addTried(source)
	addedTarget := op.addTried(target)
	if (addedSource || addedTarget) && m.untried(op) > 0 {
		op.clearSourceAndTarget(false)
		op.setRetryPending()
		return
	}
	m.fail(op, err)
}

func (m *Map) fail(op *Operation, err error) {
	op.addTried(op.Source())
	op.addTried(op.Target())
	m.handler.ReportAborted(op, err)
	op.abort(err, m.now())
	m.metrics.FileOpsTerminated.WithLabelValues("aborted").Inc()
}

func (m *Map) untried(op *Operation) int {
	n := 0
	for _, p := range m.topo.PoolsOfGroup(op.Group()) {
		if !op.IsTried(p) {
			n++
		}
	}
	return n
}

// postProcess requeues an operation that still has passes left, at the
// head if a retry is pending, or removes it from the index.
func (m *Map) postProcess(op *Operation) {
	if op.State() == StateAborted {
		m.handler.ChildTerminated(op, true)
		return
	}
	again, head := op.requeue(m.now())
	if again {
		m.enqueue(op, head)
		return
	}
	m.index.Delete(op.PnfsID())
	m.handler.ChildTerminated(op, false)
}

func (m *Map) promote() {
	available := m.cfg.MaxRunning - len(m.running)
	fgLen, bgLen := m.foreground.Len(), m.background.Len()
	fg, bg := Allocate(available, fgLen, bgLen, m.cfg.MaxAllocation, m.alternate)
	if available == 1 && fgLen > 0 && bgLen > 0 {
		m.alternate = !m.alternate
	}
	m.launch(m.foreground, fg)
	m.launch(m.background, bg)
}

func (m *Map) launch(q *list.List, n int) {
	now := m.now()
	for i := 0; i < n && q.Len() > 0; i++ {
		op := q.Remove(q.Front()).(*Operation)
		if !op.startRunning(now) {
			if !op.isRetired() {
				m.postProcess(op)
			}
			continue
		}
		m.running[op.PnfsID()] = op

		id, err := m.handler.SubmitTask(op)
		if err != nil {
			m.logger.Warn("Failed to submit file task",
				zap.String("pnfsid", string(op.PnfsID())),
				zap.Error(err))
			m.TaskTerminated(op, tasks.NewError(tasks.CodeTransient, "", err), false)
			continue
		}
		op.setTaskID(id)
	}
}
