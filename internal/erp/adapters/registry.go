package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
)

// Factory builds connectors of one adapter kind.
type Factory interface {
	Kind() string
	New(cfg config.ERPSystemConfig) (domain.Connector, error)
}

// Registry holds the connectors built from configuration, keyed by
// lowercased system name.
type Registry struct {
	connectors map[string]domain.Connector
}

func NewRegistry(factories []Factory, systems []config.ERPSystemConfig) (*Registry, error) {
	byKind := map[string]Factory{}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(factory.Kind()))
		if kind == "" {
			continue
		}
		byKind[kind] = factory
	}

	registry := &Registry{connectors: map[string]domain.Connector{}}
	for _, system := range systems {
		name := strings.ToLower(strings.TrimSpace(system.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: system name is empty", domain.ErrInvalidConfig)
		}
		factory, ok := byKind[strings.ToLower(strings.TrimSpace(system.Kind))]
		if !ok {
			return nil, fmt.Errorf("%w: no adapter kind %q for system %q", domain.ErrInvalidConfig, system.Kind, system.Name)
		}
		connector, err := factory.New(system)
		if err != nil {
			return nil, fmt.Errorf("build %s connector: %w", system.Name, err)
		}
		registry.connectors[name] = connector
	}
	return registry, nil
}

func (r *Registry) Get(system string) (domain.Connector, error) {
	if r == nil {
		return nil, domain.ErrUnknownSystem
	}
	connector, ok := r.connectors[strings.ToLower(strings.TrimSpace(system))]
	if !ok {
		return nil, domain.ErrUnknownSystem
	}
	return connector, nil
}

// Systems lists the configured system names in stable order.
func (r *Registry) Systems() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
