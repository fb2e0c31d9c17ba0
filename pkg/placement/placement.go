// Package placement picks copy sources, copy targets and removal victims
// inside a resilient pool group under the storage unit's tag constraints.
package placement

import (
	"errors"
	"sort"
	"strings"

	"github.com/dCache/dcache-sub032/pkg/topology"
)

var (
	ErrNoSource       = errors.New("no readable untried source pool")
	ErrNoTarget       = errors.New("no eligible target pool")
	ErrNoRemoveTarget = errors.New("no eligible replica to remove")
)

// Skip reports pools that must not be chosen, typically the tried set.
type Skip func(topology.PoolIndex) bool

// Candidate is a pool considered for a placement decision.
type Candidate struct {
	Pool   topology.PoolIndex
	Name   string
	Status topology.PoolStatus
	Cost   float64
	Tags   map[string]string
}

type Selector struct {
	topo *topology.Map
}

func NewSelector(topo *topology.Map) *Selector {
	return &Selector{topo: topo}
}

func (s *Selector) candidate(p topology.PoolIndex) (Candidate, bool) {
	name, ok := s.topo.PoolName(p)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		Pool:   p,
		Name:   name,
		Status: s.topo.Status(p),
		Cost:   s.topo.Cost(p),
		Tags:   s.topo.Tags(p),
	}, true
}

func (s *Selector) candidates(pools []topology.PoolIndex, skip Skip, keep func(Candidate) bool) []Candidate {
	out := make([]Candidate, 0, len(pools))
	for _, p := range pools {
		if skip != nil && skip(p) {
			continue
		}
		c, ok := s.candidate(p)
		if !ok || !keep(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// byCost orders cheapest first, ties broken by name for determinism.
func byCost(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Cost != cs[j].Cost {
			return cs[i].Cost < cs[j].Cost
		}
		return cs[i].Name < cs[j].Name
	})
}

// SelectSource picks the cheapest readable location not skipped.
func (s *Selector) SelectSource(locations []topology.PoolIndex, skip Skip) (topology.PoolIndex, error) {
	cs := s.candidates(locations, skip, func(c Candidate) bool { return c.Status.Readable() })
	if len(cs) == 0 {
		return 0, ErrNoSource
	}
	byCost(cs)
	return cs[0].Pool, nil
}

// SelectTarget picks a writable pool of group that holds no copy yet and
// whose tags do not collide with those of the existing readable copies.
// Pools from unused tag partitions are preferred, then cost.
func (s *Selector) SelectTarget(group topology.GroupIndex, c topology.Constraints,
	locations []topology.PoolIndex, skip Skip) (topology.PoolIndex, error) {
	holding := make(map[topology.PoolIndex]bool, len(locations))
	used := make(map[string]map[string]bool)
	for _, l := range locations {
		holding[l] = true
		if s.topo.Status(l).Readable() {
			c.Mark(s.topo.Tags(l), used)
		}
	}

	cs := s.candidates(s.topo.PoolsOfGroup(group), skip, func(cand Candidate) bool {
		return !holding[cand.Pool] && cand.Status.Writable() && c.Compatible(cand.Tags, used)
	})
	if len(cs) == 0 {
		return 0, ErrNoTarget
	}
	byCost(cs)
	return cs[0].Pool, nil
}

// SelectRemoveTarget chooses a replica to delete from the tag partition that
// holds the most copies, so removal restores spread before anything else.
// Among equals the most expensive pool loses its copy.
func (s *Selector) SelectRemoveTarget(c topology.Constraints, locations []topology.PoolIndex,
	skip Skip) (topology.PoolIndex, error) {
	cs := s.candidates(locations, skip, func(cand Candidate) bool { return cand.Status.Writable() })
	if len(cs) == 0 {
		return 0, ErrNoRemoveTarget
	}

	partitions := make(map[string]int)
	for _, cand := range cs {
		partitions[partitionKey(c, cand.Tags)]++
	}

	sort.Slice(cs, func(i, j int) bool {
		pi, pj := partitions[partitionKey(c, cs[i].Tags)], partitions[partitionKey(c, cs[j].Tags)]
		if pi != pj {
			return pi > pj
		}
		if cs[i].Cost != cs[j].Cost {
			return cs[i].Cost > cs[j].Cost
		}
		return cs[i].Name < cs[j].Name
	})
	return cs[0].Pool, nil
}

func partitionKey(c topology.Constraints, tags map[string]string) string {
	if len(c.OneCopyPer) == 0 {
		return ""
	}
	parts := make([]string, len(c.OneCopyPer))
	for i, tag := range c.OneCopyPer {
		parts[i] = tag + "=" + tags[tag]
	}
	return strings.Join(parts, ",")
}

// Untried counts the pools of group that skip does not exclude.
func (s *Selector) Untried(group topology.GroupIndex, skip Skip) int {
	n := 0
	for _, p := range s.topo.PoolsOfGroup(group) {
		if skip == nil || !skip(p) {
			n++
		}
	}
	return n
}
