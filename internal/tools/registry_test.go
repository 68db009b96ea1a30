package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/model"
)

func TestExecuteUnknownTool(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{})

	result := f.call(t, "summon_mechanic", `{}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestExecuteGatesOnMissingName(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{})

	result := f.call(t, "search_inventory", `{"consulta": "balatas"}`)
	assert.False(t, result.Success)
	assert.True(t, result.NeedMoreData)
	assert.Contains(t, result.Prompt, "nombre")

	// The gate fires before any backend call.
	search, stock, _ := f.inv.calls()
	assert.Zero(t, search)
	assert.Zero(t, stock)
}

func TestExecuteGatesOnMissingLocator(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{Name: "Ana"})

	result := f.call(t, "search_inventory", `{"consulta": "balatas"}`)
	assert.False(t, result.Success)
	assert.True(t, result.NeedMoreData)
	assert.Contains(t, result.Prompt, "código postal")

	search, _, _ := f.inv.calls()
	assert.Zero(t, search)
}

func TestSaveClientDataBypassesGate(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{})

	result := f.call(t, "save_client_data", `{"nombre": "Ana", "codigo_postal": "64000"}`)
	require.True(t, result.Success)

	data, ok := result.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["perfil_completo"])

	// The in-turn snapshot is refreshed so the gate opens immediately.
	assert.Equal(t, "Ana", f.conv.Profile.Name)
	assert.True(t, f.conv.Profile.Complete())
}

func TestSaveClientDataRejectsEmptyArgs(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{})

	result := f.call(t, "save_client_data", `{}`)
	assert.False(t, result.Success)
	assert.Equal(t, "no fields to save", result.Error)
}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	f := newToolFixture(t, model.ClientProfile{})

	defs := f.registry.Definitions()
	require.NotEmpty(t, defs)
	assert.Equal(t, "save_client_data", defs[0].Name)

	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"search_inventory", "confirm_purchase", "decode_vin", "create_ticket", "quote_shipping", "escalate_to_human"} {
		assert.True(t, names[want], want)
	}
}
