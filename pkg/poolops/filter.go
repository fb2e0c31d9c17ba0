package poolops

import (
	"regexp"
	"slices"
	"time"
)

// Filter is a conjunctive predicate over pool operations. Zero-valued fields
// match everything.
type Filter struct {
	States      []State
	Pools       []string
	PoolPattern *regexp.Regexp

	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	ScannedAfter  time.Time
	ScannedBefore time.Time
}

func (f *Filter) Matches(v View) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 && !slices.Contains(f.States, v.state) {
		return false
	}
	if len(f.Pools) > 0 && !slices.Contains(f.Pools, v.Pool) {
		return false
	}
	if f.PoolPattern != nil && !f.PoolPattern.MatchString(v.Pool) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && v.LastUpdate.Before(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && v.LastUpdate.After(f.UpdatedBefore) {
		return false
	}
	if !f.ScannedAfter.IsZero() && v.LastScan.Before(f.ScannedAfter) {
		return false
	}
	if !f.ScannedBefore.IsZero() && v.LastScan.After(f.ScannedBefore) {
		return false
	}
	return true
}
