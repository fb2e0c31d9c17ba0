package fileops

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// Registration carries a validated request to create or bump a file
// operation.
type Registration struct {
	PnfsID       types.PnfsID
	Size         int64
	Retention    types.RetentionPolicy
	Group        topology.GroupIndex
	Unit         topology.Optional[topology.UnitIndex]
	Parent       topology.Optional[topology.PoolIndex]
	Generation   uint64
	Count        int
	RetryCount   int
	VerifySticky bool
	Tried        []topology.PoolIndex
}

// Operation tracks the work still needed for one file. The (state, opCount)
// pair is the only part written concurrently by the scheduler loop, the
// running task and admin cancellation; every field sits behind mu so admin
// listings get a consistent copy.
type Operation struct {
	pnfsid types.PnfsID
	size   int64

	mu         sync.Mutex
	state      State
	opCount    int
	taskActive bool
	taskID     string
	retired    bool

	retention    types.RetentionPolicy
	action       Action
	group        topology.GroupIndex
	unit         topology.Optional[topology.UnitIndex]
	parent       topology.Optional[topology.PoolIndex]
	generation   uint64
	source       topology.Optional[topology.PoolIndex]
	target       topology.Optional[topology.PoolIndex]
	retryCount   int
	retryPending bool
	tried        map[topology.PoolIndex]struct{}
	verifySticky bool
	lastErr      error
	lastUpdate   time.Time
}

func newOperation(r Registration, now time.Time) *Operation {
	op := &Operation{
		pnfsid:       r.PnfsID,
		size:         r.Size,
		state:        StateUninitialized,
		opCount:      r.Count,
		retention:    r.Retention,
		group:        r.Group,
		unit:         r.Unit,
		parent:       r.Parent,
		generation:   r.Generation,
		retryCount:   r.RetryCount,
		verifySticky: r.VerifySticky,
		tried:        make(map[topology.PoolIndex]struct{}),
		lastUpdate:   now,
	}
	for _, p := range r.Tried {
		op.tried[p] = struct{}{}
	}
	return op
}

func (op *Operation) PnfsID() types.PnfsID {
	return op.pnfsid
}

func (op *Operation) Size() int64 {
	return op.size
}

func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

func (op *Operation) OpCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.opCount
}

func (op *Operation) RetryCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.retryCount
}

func (op *Operation) Group() topology.GroupIndex {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.group
}

func (op *Operation) Unit() topology.Optional[topology.UnitIndex] {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.unit
}

func (op *Operation) Parent() (topology.PoolIndex, uint64, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	p, ok := op.parent.Get()
	return p, op.generation, ok
}

func (op *Operation) Source() topology.Optional[topology.PoolIndex] {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.source
}

func (op *Operation) Target() topology.Optional[topology.PoolIndex] {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.target
}

func (op *Operation) VerifySticky() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.verifySticky
}

func (op *Operation) LastError() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.lastErr
}

func (op *Operation) isBackground() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.parent.IsSet()
}

type registerOutcome int

const (
	outcomeRetired registerOutcome = iota
	outcomeIncremented
	outcomeRevived
)

// register folds another registration into an existing operation. A retired
// operation is about to leave the index and must be replaced instead.
func (op *Operation) register(r Registration, now time.Time) registerOutcome {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.retired {
		return outcomeRetired
	}
	op.verifySticky = op.verifySticky || r.VerifySticky
	op.lastUpdate = now

	if op.state == StateAborted {
		op.state = StateUninitialized
		op.opCount = r.Count
		op.retryCount = r.RetryCount
		op.group = r.Group
		op.unit = r.Unit
		op.parent = r.Parent
		op.generation = r.Generation
		op.source = topology.None[topology.PoolIndex]()
		op.target = topology.None[topology.PoolIndex]()
		op.tried = make(map[topology.PoolIndex]struct{})
		for _, p := range r.Tried {
			op.tried[p] = struct{}{}
		}
		op.lastErr = nil
		return outcomeRevived
	}

	op.opCount++
	for _, p := range r.Tried {
		op.tried[p] = struct{}{}
	}
	return outcomeIncremented
}

// markWaiting queues a new or revived operation. Retired operations are
// refused.
func (op *Operation) markWaiting(now time.Time) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.retired {
		return false
	}
	op.state = StateWaiting
	op.lastUpdate = now
	return true
}

// startRunning hands the operation to a task. It fails if the operation was
// cancelled since it was dequeued, or retired.
func (op *Operation) startRunning(now time.Time) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.retired || op.state != StateWaiting {
		return false
	}
	op.state = StateRunning
	op.taskActive = true
	op.taskID = ""
	op.action = ActionNone
	op.lastUpdate = now
	return true
}

// setTaskID records the executor id unless the task already finished.
func (op *Operation) setTaskID(id string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.taskActive {
		op.taskID = id
	}
}

func (op *Operation) taskRunning() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.taskActive
}

// taskTerminated records the outcome reported by the task. A successful
// pass decrements opCount; a void pass zeroes it. A pass that was
// cancelled keeps its CANCELED state whatever the task reports.
func (op *Operation) taskTerminated(err error, void bool, now time.Time) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.taskActive {
		return false
	}
	op.taskActive = false
	op.taskID = ""
	op.lastUpdate = now

	if op.state == StateCanceled {
		return true
	}
	switch {
	case err != nil:
		op.state = StateFailed
		op.lastErr = err
	case void:
		op.state = StateVoid
		op.opCount = 0
		op.lastErr = nil
	default:
		op.state = StateDone
		if op.opCount > 0 {
			op.opCount--
		}
		op.lastErr = nil
	}
	return true
}

// cancel marks the operation CANCELED. A forced cancel zeroes opCount so
// the operation leaves the index; otherwise only the current pass is
// dropped. The attached task id, if any, is returned for cancellation.
func (op *Operation) cancel(force bool, now time.Time) (string, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.retired {
		return "", false
	}
	switch op.state {
	case StateAborted:
		op.opCount = 0
		return "", true
	case StateCanceled:
		if force {
			op.opCount = 0
		}
		return op.taskID, true
	}
	if force {
		op.opCount = 0
	} else if op.opCount > 0 {
		op.opCount--
	}
	op.state = StateCanceled
	op.lastUpdate = now
	return op.taskID, true
}

func (op *Operation) abort(err error, now time.Time) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.state = StateAborted
	op.opCount = 0
	op.lastErr = err
	op.retryPending = false
	op.lastUpdate = now
}

// requeue decides the fate of an operation after a terminal pass: back to
// WAITING while passes remain, else retired. ABORTED operations stay put.
func (op *Operation) requeue(now time.Time) (again, head bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == StateAborted {
		return false, false
	}
	if op.opCount > 0 {
		op.state = StateWaiting
		head = op.retryPending
		op.retryPending = false
		op.lastUpdate = now
		return true, head
	}
	op.retired = true
	return false, false
}

// retireAborted retires the operation if it is still ABORTED. It fails when
// a registration revived it first.
func (op *Operation) retireAborted() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.retired || op.state != StateAborted {
		return false
	}
	op.opCount = 0
	op.retired = true
	return true
}

func (op *Operation) isRetired() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.retired
}

// clearSourceAndTarget forgets the current pair so the next pass selects
// afresh. Changing the pair resets the retry count unless the failure that
// caused it is being counted.
func (op *Operation) clearSourceAndTarget(resetRetries bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.source = topology.None[topology.PoolIndex]()
	op.target = topology.None[topology.PoolIndex]()
	if resetRetries {
		op.retryCount = 0
	}
}

func (op *Operation) setRetryPending() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.retryPending = true
}

func (op *Operation) incrementRetry() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.retryCount++
	return op.retryCount
}

// addTried puts p into the tried set; it reports whether p was set and new.
func (op *Operation) addTried(p topology.Optional[topology.PoolIndex]) bool {
	idx, ok := p.Get()
	if !ok {
		return false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if _, seen := op.tried[idx]; seen {
		return false
	}
	op.tried[idx] = struct{}{}
	return true
}

func (op *Operation) IsTried(p topology.PoolIndex) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	_, ok := op.tried[p]
	return ok
}

func (op *Operation) Tried() []topology.PoolIndex {
	op.mu.Lock()
	defer op.mu.Unlock()
	return slices.Sorted(maps.Keys(op.tried))
}

func (op *Operation) setCopy(source, target topology.PoolIndex) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.action = ActionCopy
	op.source = topology.Some(source)
	op.target = topology.Some(target)
}

func (op *Operation) setRemove(target topology.PoolIndex) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.action = ActionRemove
	op.source = topology.None[topology.PoolIndex]()
	op.target = topology.Some(target)
}

// View is a name-resolved copy of an operation for listing, filtering and
// checkpointing.
type View struct {
	PnfsID       types.PnfsID          `json:"pnfsid"`
	Size         int64                 `json:"size"`
	State        string                `json:"state"`
	Action       string                `json:"action"`
	OpCount      int                   `json:"op_count"`
	RetryCount   int                   `json:"retry_count"`
	Retention    types.RetentionPolicy `json:"retention_policy"`
	Group        string                `json:"group,omitempty"`
	Unit         string                `json:"unit,omitempty"`
	Parent       string                `json:"parent,omitempty"`
	Source       string                `json:"source,omitempty"`
	Target       string                `json:"target,omitempty"`
	Tried        []string              `json:"tried,omitempty"`
	VerifySticky bool                  `json:"verify_sticky,omitempty"`
	LastUpdate   time.Time             `json:"last_update"`
	LastError    string                `json:"last_error,omitempty"`

	state State
}

func (v View) StateValue() State {
	return v.state
}

func poolName(topo *topology.Map, p topology.Optional[topology.PoolIndex]) string {
	idx, ok := p.Get()
	if !ok {
		return ""
	}
	name, _ := topo.PoolName(idx)
	return name
}

// View resolves the operation's indices against topo. Stale indices come
// back as empty names.
func (op *Operation) View(topo *topology.Map) View {
	op.mu.Lock()
	v := View{
		PnfsID:       op.pnfsid,
		Size:         op.size,
		State:        op.state.String(),
		Action:       op.action.String(),
		OpCount:      op.opCount,
		RetryCount:   op.retryCount,
		Retention:    op.retention,
		VerifySticky: op.verifySticky,
		LastUpdate:   op.lastUpdate,
		state:        op.state,
	}
	if op.lastErr != nil {
		v.LastError = op.lastErr.Error()
	}
	group, unit := op.group, op.unit
	parent, source, target := op.parent, op.source, op.target
	tried := slices.Sorted(maps.Keys(op.tried))
	op.mu.Unlock()

	v.Group, _ = topo.GroupName(group)
	if u, ok := unit.Get(); ok {
		v.Unit, _ = topo.UnitName(u)
	}
	v.Parent = poolName(topo, parent)
	v.Source = poolName(topo, source)
	v.Target = poolName(topo, target)
	for _, p := range tried {
		if name, ok := topo.PoolName(p); ok {
			v.Tried = append(v.Tried, name)
		}
	}
	return v
}
