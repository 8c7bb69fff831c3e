package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsOverrideRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights_override.json")
	in := WeightsOverride{PoolAWeight: 80, PoolBWeight: 20, Source: "slider"}
	require.NoError(t, WriteWeightsOverride(path, in))

	out, ok := ReadWeightsOverride(path)
	require.True(t, ok)
	assert.Equal(t, 80, out.PoolAWeight)
	assert.Equal(t, 20, out.PoolBWeight)
	assert.Equal(t, "slider", out.Source)

	// No leftover temp file after the atomic rename.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestReadWeightsOverrideMissing(t *testing.T) {
	_, ok := ReadWeightsOverride(filepath.Join(t.TempDir(), "nope.json"))
	assert.False(t, ok)
}

func TestReadWeightsOverrideInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"garbage", `{not json`},
		{"negative", `{"poolA_weight":-1,"poolB_weight":50}`},
		{"both zero", `{"poolA_weight":0,"poolB_weight":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, ok := ReadWeightsOverride(path)
			assert.False(t, ok)
		})
	}
}

func TestReadOracleMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oracle_mode.json")

	// Missing file falls back to config auto_balance.
	assert.True(t, ReadOracleMode(path, true))
	assert.False(t, ReadOracleMode(path, false))

	require.NoError(t, os.WriteFile(path, []byte(`{"oracle_active":false}`), 0o644))
	assert.False(t, ReadOracleMode(path, true))

	require.NoError(t, os.WriteFile(path, []byte(`{"oracle_active":true}`), 0o644))
	assert.True(t, ReadOracleMode(path, false))

	// A present file without the flag counts as oracle-active.
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	assert.True(t, ReadOracleMode(path, false))

	// Unreadable file falls back too.
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	assert.True(t, ReadOracleMode(path, true))
}

func TestRemoveStartupFiles(t *testing.T) {
	dir := t.TempDir()
	mode := filepath.Join(dir, "oracle_mode.json")
	chart := filepath.Join(dir, "oracle_chart_history.json")
	require.NoError(t, os.WriteFile(mode, []byte(`{}`), 0o644))

	errs := RemoveStartupFiles(mode, chart) // chart already absent
	assert.Empty(t, errs)
	_, err := os.Stat(mode)
	assert.True(t, os.IsNotExist(err))
}
