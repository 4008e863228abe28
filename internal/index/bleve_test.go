package index

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/upstream"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "bleve_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	m, err := NewManager(tmpDir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func tool(server, name, description string, schema map[string]interface{}) upstream.QualifiedTool {
	raw, _ := json.Marshal(schema)
	return upstream.QualifiedTool{
		ServerName:  server,
		ToolName:    name,
		Qualified:   server + "::" + name,
		Description: description,
		InputSchema: raw,
	}
}

func defiLlamaTools() []upstream.QualifiedTool {
	return []upstream.QualifiedTool{
		tool("defillama", "List_all_protocols_on_defillama_along_with_their_tvl",
			"List all protocols on defillama along with their tvl", nil),
		tool("defillama", "Get_historical_TVL_of_a_protocol_and_breakdowns_by_token",
			"Get historical TVL of a protocol and breakdowns by token and chain",
			map[string]interface{}{"protocol": map[string]interface{}{"type": "string"}}),
		tool("defillama", "Get_historical_TVL_excludes_liquid_staking_and_double_co",
			"Get historical TVL (excludes liquid staking and double counted tvl) of DeFi on all chains", nil),
		tool("defillama", "Get_current_TVL_of_all_chains",
			"Get current TVL of all chains", nil),
		tool("defillama", "List_all_stablecoins_along_with_their_circulating_amount",
			"List all stablecoins along with their circulating amounts", nil),
		tool("defillama", "Get_historical_mcap_sum_of_all_stablecoins",
			"Get historical mcap sum of all stablecoins", nil),
	}
}

func TestManagerRebuildAndSearch(t *testing.T) {
	m := newTestManager(t)
	tools := defiLlamaTools()
	require.NoError(t, m.Rebuild(tools))

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(tools)), count)

	hits, err := m.Search("current TVL chains", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "defillama::Get_current_TVL_of_all_chains", hits[0].ID)
}

func TestManagerSearchExactToolName(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Rebuild(defiLlamaTools()))

	hits, err := m.Search("Get_current_TVL_of_all_chains", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "defillama::Get_current_TVL_of_all_chains", hits[0].ID)
}

func TestManagerSearchStablecoins(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Rebuild(defiLlamaTools()))

	hits, err := m.Search("stablecoins", 10, nil)
	require.NoError(t, err)

	found := map[string]bool{}
	for _, h := range hits {
		found[h.ID] = true
	}
	assert.True(t, found["defillama::List_all_stablecoins_along_with_their_circulating_amount"])
	assert.True(t, found["defillama::Get_historical_mcap_sum_of_all_stablecoins"])
}

func TestManagerSearchServerFilter(t *testing.T) {
	m := newTestManager(t)
	tools := append(defiLlamaTools(), tool("weather", "Get_current_TVL_of_all_chains_mirror", "unrelated", nil))
	require.NoError(t, m.Rebuild(tools))

	hits, err := m.Search("TVL chains", 10, []string{"weather"})
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "weather", h.ServerName)
	}
}

func TestManagerRebuildRemovesStaleEntries(t *testing.T) {
	m := newTestManager(t)
	tools := defiLlamaTools()
	require.NoError(t, m.Rebuild(tools))

	narrowed := tools[:1]
	require.NoError(t, m.Rebuild(narrowed))

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestManagerSearchTopOneAlwaysReturnsBestMatch(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Rebuild(defiLlamaTools()))

	hits, err := m.Search("completely unrelated gibberish zzzqq", 1, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestManagerSearchEmptyQueryErrors(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Rebuild(defiLlamaTools()))

	hits, err := m.Search("", 10, nil)
	assert.Error(t, err)
	assert.Nil(t, hits)
}

func TestManagerSearchEmptyIndex(t *testing.T) {
	m := newTestManager(t)

	hits, err := m.Search("anything", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	count, err := m.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}

func TestManagerAvailableFlipsOnClose(t *testing.T) {
	m := newTestManager(t)
	assert.True(t, m.Available())

	require.NoError(t, m.Close())
	assert.False(t, m.Available())

	_, err := m.Search("anything", 10, nil)
	assert.Error(t, err)
	assert.Error(t, m.Rebuild(nil))

	var unset *Manager
	assert.False(t, unset.Available())
}
