// Package profile loads static Profile definitions from configuration and
// normalizes the legacy single-image shape into the current multi-container
// shape before anything downstream sees it (§9 Design Notes).
package profile

import (
	"fmt"
	"time"

	"github.com/cuemby/bay/pkg/types"
)

// RawProfile mirrors the YAML shape of one `profiles[]` entry, including the
// deprecated top-level image/runtime_type fields kept for backward
// compatibility with old config files.
type RawProfile struct {
	ID          string                `yaml:"id"`
	Description string                `yaml:"description"`
	Containers  []RawContainer        `yaml:"containers"`
	IdleTimeout int                   `yaml:"idle_timeout"` // seconds
	Startup     RawStartup            `yaml:"startup"`

	// Legacy single-container shape. Populated only in old config files
	// that predate multi-container profiles.
	Image       string `yaml:"image"`
	RuntimeType string `yaml:"runtime_type"`
}

type RawContainer struct {
	Name        string               `yaml:"name"`
	Image       string               `yaml:"image"`
	RuntimeType string               `yaml:"runtime_type"`
	RuntimePort int                  `yaml:"runtime_port"`
	Resources   types.ResourceLimits `yaml:"resources"`
	Capabilities []string            `yaml:"capabilities"`
	PrimaryFor  []string             `yaml:"primary_for"`
	Env         map[string]string    `yaml:"env"`
}

type RawStartup struct {
	Order      string `yaml:"order"` // parallel|sequential
	WaitForAll bool   `yaml:"wait_for_all"`
}

// NormalizeLegacy rewrites a RawProfile carrying the old top-level
// image/runtime_type fields into the one-element containers list shape,
// synthesizing a container name so every downstream component only ever
// sees the multi-container representation.
func NormalizeLegacy(p RawProfile) RawProfile {
	if p.Image == "" || len(p.Containers) > 0 {
		return p
	}
	p.Containers = []RawContainer{{
		Name:        p.ID + "-main",
		Image:       p.Image,
		RuntimeType: p.RuntimeType,
		RuntimePort: 8000,
		PrimaryFor:  []string{p.RuntimeType},
	}}
	p.Image = ""
	p.RuntimeType = ""
	return p
}

// Compile converts a RawProfile into the runtime types.Profile used by the
// rest of the system.
func Compile(p RawProfile) (types.Profile, error) {
	if len(p.Containers) == 0 {
		return types.Profile{}, fmt.Errorf("profile %q has no containers", p.ID)
	}

	order := types.StartupOrderSequential
	if p.Startup.Order == "parallel" {
		order = types.StartupOrderParallel
	}

	containers := make([]types.ContainerSpec, 0, len(p.Containers))
	for _, c := range p.Containers {
		if c.Name == "" {
			return types.Profile{}, fmt.Errorf("profile %q has a container with no name", p.ID)
		}
		if c.RuntimePort == 0 {
			return types.Profile{}, fmt.Errorf("profile %q container %q has no runtime_port", p.ID, c.Name)
		}
		containers = append(containers, types.ContainerSpec{
			Name:         c.Name,
			Image:        c.Image,
			RuntimeType:  c.RuntimeType,
			RuntimePort:  c.RuntimePort,
			Resources:    c.Resources,
			Capabilities: c.Capabilities,
			PrimaryFor:   c.PrimaryFor,
			Env:          c.Env,
		})
	}

	idle := 300 * time.Second
	if p.IdleTimeout > 0 {
		idle = time.Duration(p.IdleTimeout) * time.Second
	}

	return types.Profile{
		ID:          p.ID,
		Description: p.Description,
		Containers:  containers,
		IdleTimeout: idle,
		Startup: types.Startup{
			Order:      order,
			WaitForAll: p.Startup.WaitForAll,
		},
	}, nil
}

// Registry holds the compiled set of profiles a Bay instance was
// configured with, keyed by ID.
type Registry struct {
	profiles map[string]types.Profile
}

// NewRegistry compiles every RawProfile and returns a lookup registry, or
// the first compile error encountered.
func NewRegistry(raw []RawProfile) (*Registry, error) {
	reg := &Registry{profiles: make(map[string]types.Profile, len(raw))}
	for _, p := range raw {
		compiled, err := Compile(NormalizeLegacy(p))
		if err != nil {
			return nil, err
		}
		reg.profiles[compiled.ID] = compiled
	}
	return reg, nil
}

// Get looks up a profile by id.
func (r *Registry) Get(id string) (types.Profile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// ContainerFor returns the container spec within a profile that declares
// the given capability, preferring one whose primary_for list names it.
func ContainerFor(p types.Profile, capability string) (types.ContainerSpec, bool) {
	var fallback *types.ContainerSpec
	for i := range p.Containers {
		c := &p.Containers[i]
		for _, pf := range c.PrimaryFor {
			if pf == capability {
				return *c, true
			}
		}
		for _, cap := range c.Capabilities {
			if cap == capability && fallback == nil {
				fallback = c
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return types.ContainerSpec{}, false
}
