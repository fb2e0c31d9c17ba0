package topology

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInconsistent marks an index corruption or a topology that breaks a
	// structural invariant. Callers must not continue with the current map.
	ErrInconsistent = errors.New("topology inconsistency")

	// ErrConstraintsUnsatisfiable is the configuration-fatal error raised when
	// a resilient group cannot host a unit's required copies.
	ErrConstraintsUnsatisfiable = errors.New("replication constraints unsatisfiable")
)

// PoolMode is the administrative mode reported for a pool.
type PoolMode int

const (
	ModeEnabled PoolMode = iota
	ModeReadOnly
	ModeDisabled
)

func (m PoolMode) String() string {
	switch m {
	case ModeEnabled:
		return "enabled"
	case ModeReadOnly:
		return "readonly"
	case ModeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParsePoolMode(s string) (PoolMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enabled":
		return ModeEnabled, nil
	case "readonly", "rdonly", "read-only":
		return ModeReadOnly, nil
	case "disabled", "down":
		return ModeDisabled, nil
	}
	return ModeEnabled, fmt.Errorf("unknown pool mode: %s", s)
}

func (m *PoolMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePoolMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m PoolMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// PoolStatus is the resilience view of a pool's health.
type PoolStatus int

const (
	StatusUninitialized PoolStatus = iota
	StatusDown
	StatusReadOnly
	StatusEnabled
)

func (s PoolStatus) String() string {
	switch s {
	case StatusDown:
		return "DOWN"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusEnabled:
		return "ENABLED"
	default:
		return "UNINITIALIZED"
	}
}

func ParsePoolStatus(s string) (PoolStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DOWN":
		return StatusDown, nil
	case "READ_ONLY", "READONLY":
		return StatusReadOnly, nil
	case "ENABLED", "UP":
		return StatusEnabled, nil
	case "UNINITIALIZED":
		return StatusUninitialized, nil
	}
	return StatusUninitialized, fmt.Errorf("unknown pool status: %s", s)
}

// Readable reports whether replicas on a pool with this status can serve as
// copy sources and count toward the replica total.
func (s PoolStatus) Readable() bool {
	return s == StatusReadOnly || s == StatusEnabled
}

// Writable reports whether a pool with this status can receive new copies.
func (s PoolStatus) Writable() bool {
	return s == StatusEnabled
}

func statusOf(m PoolMode) PoolStatus {
	switch m {
	case ModeDisabled:
		return StatusDown
	case ModeReadOnly:
		return StatusReadOnly
	default:
		return StatusEnabled
	}
}

type PoolInfo struct {
	Name string            `yaml:"name"`
	Mode PoolMode          `yaml:"mode"`
	Tags map[string]string `yaml:"tags,omitempty"`
	Cost float64           `yaml:"cost,omitempty"`
}

type GroupInfo struct {
	Name      string   `yaml:"name"`
	Resilient bool     `yaml:"resilient"`
	Pools     []string `yaml:"pools"`
}

type UnitInfo struct {
	Name       string   `yaml:"name"`
	Required   int      `yaml:"required"`
	OneCopyPer []string `yaml:"one_copy_per,omitempty"`
	Groups     []string `yaml:"groups"`
}

// Snapshot is a point-in-time view of the pool topology as delivered by the
// pool-selection collaborator.
type Snapshot struct {
	Pools  []PoolInfo  `yaml:"pools"`
	Groups []GroupInfo `yaml:"groups"`
	Units  []UnitInfo  `yaml:"units"`
}

// Validate checks referential integrity and the single-resilient-group rule.
func (s *Snapshot) Validate() error {
	pools := make(map[string]bool, len(s.Pools))
	for _, p := range s.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool with empty name")
		}
		if pools[p.Name] {
			return fmt.Errorf("duplicate pool %s", p.Name)
		}
		pools[p.Name] = true
	}

	groups := make(map[string]bool, len(s.Groups))
	resilientOf := make(map[string]string)
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("pool group with empty name")
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate pool group %s", g.Name)
		}
		groups[g.Name] = true
		for _, p := range g.Pools {
			if !pools[p] {
				return fmt.Errorf("pool group %s references unknown pool %s", g.Name, p)
			}
			if !g.Resilient {
				continue
			}
			if other, ok := resilientOf[p]; ok && other != g.Name {
				return fmt.Errorf("%w: pool %s belongs to resilient groups %s and %s",
					ErrInconsistent, p, other, g.Name)
			}
			resilientOf[p] = g.Name
		}
	}

	units := make(map[string]bool, len(s.Units))
	for _, u := range s.Units {
		if u.Name == "" {
			return fmt.Errorf("storage unit with empty name")
		}
		if units[u.Name] {
			return fmt.Errorf("duplicate storage unit %s", u.Name)
		}
		units[u.Name] = true
		if u.Required < 1 {
			return fmt.Errorf("storage unit %s: required copies must be at least 1", u.Name)
		}
		for _, g := range u.Groups {
			if !groups[g] {
				return fmt.Errorf("storage unit %s references unknown pool group %s", u.Name, g)
			}
		}
	}
	return nil
}
