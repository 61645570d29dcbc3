package gdpr

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry is the fixed set of retention policies resolved at startup.
type Registry struct {
	policies []RetentionPolicy
	index    map[string]int
}

// NewRegistry validates policies and applies per-name day overrides.
func NewRegistry(policies []RetentionPolicy, overrides map[string]int) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(policies))}
	for _, p := range policies {
		if p.Name == "" {
			return nil, errors.New("retention policy without name")
		}
		if p.Cleanup == nil {
			return nil, fmt.Errorf("retention policy %s has no cleanup", p.Name)
		}
		if p.RetentionDays <= 0 {
			return nil, fmt.Errorf("retention policy %s: retention days must be positive", p.Name)
		}
		if _, dup := r.index[p.Name]; dup {
			return nil, fmt.Errorf("duplicate retention policy %s", p.Name)
		}
		r.index[p.Name] = len(r.policies)
		r.policies = append(r.policies, p)
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		days := overrides[name]
		i, ok := r.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: override for %s", ErrPolicyNotFound, name)
		}
		if days <= 0 {
			return nil, fmt.Errorf("retention override %s: days must be positive", name)
		}
		r.policies[i].RetentionDays = days
	}
	return r, nil
}

func (r *Registry) All() []RetentionPolicy {
	out := make([]RetentionPolicy, len(r.policies))
	copy(out, r.policies)
	return out
}

func (r *Registry) Lookup(name string) (RetentionPolicy, bool) {
	i, ok := r.index[name]
	if !ok {
		return RetentionPolicy{}, false
	}
	return r.policies[i], true
}

func (r *Registry) Len() int {
	return len(r.policies)
}

type overridesFile struct {
	Policies map[string]int `yaml:"policies"`
}

// LoadOverrides reads a YAML document of the form
//
//	policies:
//	  notification_log: 60
//
// An empty path yields no overrides.
func LoadOverrides(path string) (map[string]int, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retention overrides: %w", err)
	}
	var doc overridesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse retention overrides: %w", err)
	}
	return doc.Policies, nil
}
