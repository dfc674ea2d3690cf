package adapters

import (
	"testing"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/adapters/sandbox"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryBuildsConfiguredSystems(t *testing.T) {
	registry, err := NewRegistry(
		[]Factory{sandbox.NewFactory()},
		[]config.ERPSystemConfig{
			{Name: "Sandbox-EU", Kind: "sandbox"},
			{Name: "sandbox-us", Kind: "sandbox"},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"sandbox-eu", "sandbox-us"}, registry.Systems())

	conn, err := registry.Get("SANDBOX-EU")
	require.NoError(t, err)
	assert.Equal(t, "Sandbox-EU", conn.System())

	_, err = registry.Get("oracle")
	assert.ErrorIs(t, err, domain.ErrUnknownSystem)
}

func TestNewRegistryRejectsUnknownKind(t *testing.T) {
	_, err := NewRegistry(
		[]Factory{sandbox.NewFactory()},
		[]config.ERPSystemConfig{{Name: "erp1", Kind: "dynamics"}},
	)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestNewRegistryRejectsEmptyName(t *testing.T) {
	_, err := NewRegistry(
		[]Factory{sandbox.NewFactory()},
		[]config.ERPSystemConfig{{Name: "  ", Kind: "sandbox"}},
	)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestNilRegistryIsEmpty(t *testing.T) {
	var registry *Registry
	_, err := registry.Get("sandbox")
	assert.ErrorIs(t, err, domain.ErrUnknownSystem)
	assert.Empty(t, registry.Systems())
}
