package admin

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/poolops"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// FileFilter is the wire form of fileops.Filter. Empty fields match
// everything.
type FileFilter struct {
	States        []string  `json:"states,omitempty"`
	PnfsIDs       []string  `json:"pnfsids,omitempty"`
	Retention     string    `json:"retention_policy,omitempty"`
	Unit          string    `json:"unit,omitempty"`
	Group         string    `json:"group,omitempty"`
	PoolPattern   string    `json:"pool_pattern,omitempty"`
	Parent        string    `json:"parent,omitempty"`
	Source        string    `json:"source,omitempty"`
	Target        string    `json:"target,omitempty"`
	UpdatedAfter  time.Time `json:"updated_after,omitempty"`
	UpdatedBefore time.Time `json:"updated_before,omitempty"`
	Force         bool      `json:"force,omitempty"`
}

func (f *FileFilter) compile() (*fileops.Filter, error) {
	if f == nil {
		return nil, nil
	}
	out := &fileops.Filter{
		Unit:          f.Unit,
		Group:         f.Group,
		Parent:        f.Parent,
		Source:        f.Source,
		Target:        f.Target,
		UpdatedAfter:  f.UpdatedAfter,
		UpdatedBefore: f.UpdatedBefore,
		Force:         f.Force,
	}
	for _, s := range f.States {
		state, err := fileops.ParseState(s)
		if err != nil {
			return nil, err
		}
		out.States = append(out.States, state)
	}
	for _, id := range f.PnfsIDs {
		out.PnfsIDs = append(out.PnfsIDs, types.PnfsID(id))
	}
	if f.Retention != "" {
		r, err := types.ParseRetentionPolicy(f.Retention)
		if err != nil {
			return nil, err
		}
		out.Retention = &r
	}
	if f.PoolPattern != "" {
		re, err := regexp.Compile(f.PoolPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pool pattern: %w", err)
		}
		out.PoolPattern = re
	}
	return out, nil
}

// PoolFilter is the wire form of poolops.Filter.
type PoolFilter struct {
	States        []string  `json:"states,omitempty"`
	Pools         []string  `json:"pools,omitempty"`
	PoolPattern   string    `json:"pool_pattern,omitempty"`
	UpdatedAfter  time.Time `json:"updated_after,omitempty"`
	UpdatedBefore time.Time `json:"updated_before,omitempty"`
	ScannedAfter  time.Time `json:"scanned_after,omitempty"`
	ScannedBefore time.Time `json:"scanned_before,omitempty"`
}

func (f *PoolFilter) compile() (*poolops.Filter, error) {
	if f == nil {
		return nil, nil
	}
	out := &poolops.Filter{
		Pools:         f.Pools,
		UpdatedAfter:  f.UpdatedAfter,
		UpdatedBefore: f.UpdatedBefore,
		ScannedAfter:  f.ScannedAfter,
		ScannedBefore: f.ScannedBefore,
	}
	for _, s := range f.States {
		state, err := poolops.ParseState(s)
		if err != nil {
			return nil, err
		}
		out.States = append(out.States, state)
	}
	if f.PoolPattern != "" {
		re, err := regexp.Compile(f.PoolPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pool pattern: %w", err)
		}
		out.PoolPattern = re
	}
	return out, nil
}

type RegisterRequest struct {
	PnfsID string `json:"pnfsid"`
	// Pool is optional; without it the file's own locations decide the group.
	Pool string `json:"pool,omitempty"`
	// Type is the message type of the event, ADMIN when empty.
	Type         string `json:"type,omitempty"`
	VerifySticky bool   `json:"verify_sticky,omitempty"`
}

type RegisterResponse struct {
	Outcome string `json:"outcome"`
}

type FileFilterRequest struct {
	Filter *FileFilter `json:"filter,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

type ListFilesResponse struct {
	Operations []fileops.View `json:"operations"`
	Running    int            `json:"running"`
	Foreground int            `json:"foreground"`
	Background int            `json:"background"`
}

type PoolFilterRequest struct {
	Filter *PoolFilter `json:"filter,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

type ListPoolsResponse struct {
	Pools []poolops.View `json:"pools"`
}

type SetIncludedRequest struct {
	Filter  *PoolFilter `json:"filter,omitempty"`
	Include bool        `json:"include"`
}

type ScanRequest struct {
	Filter *PoolFilter `json:"filter,omitempty"`
	// Unit restricts the scan to the pools and files of one storage unit.
	Unit  string `json:"unit,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// SetPoolStatusRequest carries a pool status message: the pool's new mode
// (enabled, readonly or disabled).
type SetPoolStatusRequest struct {
	Pool string `json:"pool"`
	Mode string `json:"mode"`
}

type SetPoolStatusResponse struct {
	Pool   string `json:"pool"`
	Status string `json:"status"`
	Action string `json:"action"`
}

// CountResponse answers every call that reports a number of matches.
type CountResponse struct {
	Count int `json:"count"`
}

type CheckpointRequest struct{}

type CheckpointResponse struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
}
