package poolops

import (
	"time"

	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// Operation is the scan lifecycle of one resilient pool. All fields are
// guarded by the owning Map's lock.
type Operation struct {
	pool  types.PoolName
	index topology.PoolIndex
	group string
	// unit restricts the next scan to files of one storage unit.
	unit string

	lastStatus    topology.PoolStatus
	currentStatus topology.PoolStatus
	state         State

	lastUpdate  time.Time
	lastScan    time.Time
	forceScan   bool
	scannedDown bool

	generation uint64
	taskID     string
	scanDone   bool
	dispatched int
	completed  int
	failed     int
	lastErr    error
}

func newOperation(pool types.PoolName, index topology.PoolIndex, group string, now time.Time) *Operation {
	return &Operation{
		pool:          pool,
		index:         index,
		group:         group,
		lastStatus:    topology.StatusUninitialized,
		currentStatus: topology.StatusUninitialized,
		state:         StateIdle,
		lastUpdate:    now,
	}
}

func (op *Operation) transition(e Event) error {
	next, err := Transition(op.state, e)
	if err != nil {
		return err
	}
	op.state = next
	return nil
}

func (op *Operation) resetChildren() {
	op.taskID = ""
	op.scanDone = false
	op.dispatched = 0
	op.completed = 0
	op.failed = 0
}

// finished reports whether every child of the current scan has reported.
func (op *Operation) finished() bool {
	return op.scanDone && (op.dispatched == 0 || op.completed >= op.dispatched)
}

// View is a copy of a pool operation for listing and filtering.
type View struct {
	Pool       string    `json:"pool"`
	Group      string    `json:"group,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	State      string    `json:"state"`
	Status     string    `json:"status"`
	LastStatus string    `json:"last_status"`
	LastUpdate time.Time `json:"last_update"`
	LastScan   time.Time `json:"last_scan,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	Dispatched int       `json:"dispatched"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`

	// StatusUpdated is when the topology last refreshed the pool.
	StatusUpdated time.Time `json:"status_updated"`

	state State
}

func (v View) StateValue() State {
	return v.state
}

func (op *Operation) view() View {
	v := View{
		Pool:       string(op.pool),
		Group:      op.group,
		Unit:       op.unit,
		State:      op.state.String(),
		Status:     op.currentStatus.String(),
		LastStatus: op.lastStatus.String(),
		LastUpdate: op.lastUpdate,
		LastScan:   op.lastScan,
		Forced:     op.forceScan,
		Dispatched: op.dispatched,
		Completed:  op.completed,
		Failed:     op.failed,
		state:      op.state,
	}
	if op.lastErr != nil {
		v.LastError = op.lastErr.Error()
	}
	return v
}
