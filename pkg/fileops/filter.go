package fileops

import (
	"regexp"
	"slices"
	"time"

	"github.com/dCache/dcache-sub032/pkg/types"
)

// Filter is a conjunctive predicate over file operations. Zero-valued
// fields match everything.
type Filter struct {
	States    []State
	PnfsIDs   []types.PnfsID
	Retention *types.RetentionPolicy
	Unit      string
	Group     string

	// PoolPattern must match the parent, source or target pool name.
	PoolPattern *regexp.Regexp
	Parent      string
	Source      string
	Target      string

	UpdatedAfter  time.Time
	UpdatedBefore time.Time

	// Force makes a cancel remove the operation rather than drop one pass.
	Force bool
}

func (f *Filter) Matches(v View) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 && !slices.Contains(f.States, v.state) {
		return false
	}
	if len(f.PnfsIDs) > 0 && !slices.Contains(f.PnfsIDs, v.PnfsID) {
		return false
	}
	if f.Retention != nil && *f.Retention != v.Retention {
		return false
	}
	if f.Unit != "" && f.Unit != v.Unit {
		return false
	}
	if f.Group != "" && f.Group != v.Group {
		return false
	}
	if f.Parent != "" && f.Parent != v.Parent {
		return false
	}
	if f.Source != "" && f.Source != v.Source {
		return false
	}
	if f.Target != "" && f.Target != v.Target {
		return false
	}
	if f.PoolPattern != nil && !matchesAny(f.PoolPattern, v.Parent, v.Source, v.Target) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && v.LastUpdate.Before(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && v.LastUpdate.After(f.UpdatedBefore) {
		return false
	}
	return true
}

func matchesAny(re *regexp.Regexp, names ...string) bool {
	for _, n := range names {
		if n != "" && re.MatchString(n) {
			return true
		}
	}
	return false
}
