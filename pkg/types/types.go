package types

import (
	"fmt"
	"strings"
)

// PnfsID is the namespace-unique identifier of a file.
type PnfsID string

type PoolName string
type GroupName string
type UnitName string

type RetentionPolicy int

const (
	RetentionUnknown RetentionPolicy = iota
	RetentionReplica
	RetentionOutput
	RetentionCustodial
)

func (r RetentionPolicy) String() string {
	switch r {
	case RetentionReplica:
		return "REPLICA"
	case RetentionOutput:
		return "OUTPUT"
	case RetentionCustodial:
		return "CUSTODIAL"
	default:
		return "UNKNOWN"
	}
}

// ParseRetentionPolicy accepts the names produced by String, case-insensitively.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REPLICA":
		return RetentionReplica, nil
	case "OUTPUT":
		return RetentionOutput, nil
	case "CUSTODIAL":
		return RetentionCustodial, nil
	case "", "UNKNOWN":
		return RetentionUnknown, nil
	}
	return RetentionUnknown, fmt.Errorf("unknown retention policy: %s", s)
}

type AccessLatency int

const (
	LatencyUnknown AccessLatency = iota
	LatencyOnline
	LatencyNearline
)

func (a AccessLatency) String() string {
	switch a {
	case LatencyOnline:
		return "ONLINE"
	case LatencyNearline:
		return "NEARLINE"
	default:
		return "UNKNOWN"
	}
}

func ParseAccessLatency(s string) (AccessLatency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return LatencyOnline, nil
	case "NEARLINE":
		return LatencyNearline, nil
	case "", "UNKNOWN":
		return LatencyUnknown, nil
	}
	return LatencyUnknown, fmt.Errorf("unknown access latency: %s", s)
}

// FileAttributes is the subset of namespace attributes the controller needs.
type FileAttributes struct {
	PnfsID          PnfsID          `json:"pnfsid"`
	Locations       []PoolName      `json:"locations"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
	AccessLatency   AccessLatency   `json:"access_latency"`
	StorageClass    UnitName        `json:"storage_class"`
	Size            int64           `json:"size"`
}

// HasLocation reports whether pool holds a replica of the file.
func (a FileAttributes) HasLocation(pool PoolName) bool {
	for _, l := range a.Locations {
		if l == pool {
			return true
		}
	}
	return false
}
