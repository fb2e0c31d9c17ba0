package fileops

import (
	"fmt"
	"strings"

	"github.com/dCache/dcache-sub032/pkg/types"
)

// MessageType is the event that produced a file update.
type MessageType int

const (
	AddCacheLocation MessageType = iota
	ClearCacheLocation
	CorruptFile
	PoolStatusDown
	PoolStatusUp
	UnitConstraintChange
	Reload
	AdminRegister
)

var messageNames = map[MessageType]string{
	AddCacheLocation:     "ADD_CACHE_LOCATION",
	ClearCacheLocation:   "CLEAR_CACHE_LOCATION",
	CorruptFile:          "CORRUPT_FILE",
	PoolStatusDown:       "POOL_STATUS_DOWN",
	PoolStatusUp:         "POOL_STATUS_UP",
	UnitConstraintChange: "UNIT_CONSTRAINT_CHANGE",
	Reload:               "RELOAD",
	AdminRegister:        "ADMIN",
}

func (m MessageType) String() string {
	if s, ok := messageNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MESSAGE(%d)", int(m))
}

func ParseMessageType(s string) (MessageType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range messageNames {
		if n == name {
			return t, nil
		}
	}
	return AddCacheLocation, fmt.Errorf("unknown message type: %s", s)
}

// FileUpdate is an event about one file, from a location change, a pool
// scan, a checkpoint reload or an admin request.
type FileUpdate struct {
	PnfsID types.PnfsID
	// Pool is the location that changed, or the pool being scanned.
	Pool types.PoolName
	Type MessageType

	// Group and Unit pin the context for reloads and unit-restricted scans.
	Group types.GroupName
	Unit  types.UnitName

	// Count and RetryCount are taken verbatim on reload.
	Count      int
	RetryCount int

	// Parent names the scanned pool for background operations.
	Parent     types.PoolName
	Generation uint64

	VerifySticky bool
}

func (u *FileUpdate) isReload() bool {
	return u.Type == Reload
}

func (u *FileUpdate) String() string {
	return fmt.Sprintf("%s %s pool=%s", u.Type, u.PnfsID, u.Pool)
}
