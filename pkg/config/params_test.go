package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/config"
)

func TestDefaultParams_Valid(t *testing.T) {
	require.NoError(t, config.DefaultParams().Validate())
}

func TestLoadParams_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	doc := `
max_score_factors: 5
document_timeout_ticks: 7
trusted_origins:
  - ledger-1000
  - ledger-2000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := config.LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxScoreFactors)
	assert.Equal(t, uint64(7), p.DocumentTimeout)
	assert.Equal(t, []string{"ledger-1000", "ledger-2000"}, p.TrustedOrigins)
	// Untouched fields keep defaults.
	assert.Equal(t, uint32(1000), p.MaxScore)
}

func TestLoadParams_MissingFile(t *testing.T) {
	_, err := config.LoadParams(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParamsValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Params)
	}{
		{"score range inverted", func(p *config.Params) { p.MinScore = 500; p.MaxScore = 100 }},
		{"score above scale", func(p *config.Params) { p.MaxScore = 2000 }},
		{"zero factors", func(p *config.Params) { p.MaxScoreFactors = 0 }},
		{"zero document timeout", func(p *config.Params) { p.DocumentTimeout = 0 }},
		{"amount bounds inverted", func(p *config.Params) { p.MinPaymentAmount = 10; p.MaxPaymentAmount = 5 }},
		{"zero data sources", func(p *config.Params) { p.MaxDataSources = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := config.DefaultParams()
			tc.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestLoadGenesis(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	doc := `
counters:
  score:
    calculated: 12
  payments:
    created: 3
    volume: 4500
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	g, err := config.LoadGenesis(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), g.Counters["score"]["calculated"])
	assert.Equal(t, uint64(4500), g.Counters["payments"]["volume"])
}

func TestLoadGenesis_MissingFile(t *testing.T) {
	_, err := config.LoadGenesis(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
