package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8, cfg.Auth.Password.MinLength)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
record_apis:
  - name: articles
    table_name: articles
    acl_world: [read]
    read_access_rule: "_ROW_.published = TRUE"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	require.Len(t, cfg.RecordAPIs, 1)

	api, ok := cfg.FindRecordAPI("articles")
	require.True(t, ok)
	assert.Equal(t, "_ROW_.published = TRUE", api.ReadRule)
}

func TestValidateRejectsBadACL(t *testing.T) {
	cfg := Defaults()
	cfg.RecordAPIs = []RecordAPIConfig{{
		Name:      "a",
		TableName: "a",
		ACLWorld:  []string{"fly"},
	}}
	assert.ErrorIs(t, Validate(cfg), ErrInvalidACLEntry)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := Defaults()
	cfg.RecordAPIs = []RecordAPIConfig{
		{Name: "a", TableName: "t"},
		{Name: "a", TableName: "t"},
	}
	assert.ErrorIs(t, Validate(cfg), ErrDuplicateAPIName)
}

func TestValidateRejectsBadConflictResolution(t *testing.T) {
	cfg := Defaults()
	cfg.RecordAPIs = []RecordAPIConfig{{
		Name:               "a",
		TableName:          "t",
		ConflictResolution: "merge",
	}}
	assert.ErrorIs(t, Validate(cfg), ErrInvalidConflict)
}

func TestSnapshotSwap(t *testing.T) {
	snap := NewSnapshot(Defaults())
	cfg, hash := snap.Get()
	require.NotEmpty(t, hash)

	next := Defaults()
	next.Server.Port = cfg.Server.Port + 1

	newHash, err := snap.Swap(next, hash)
	require.NoError(t, err)
	assert.NotEqual(t, hash, newHash)
	assert.Equal(t, next.Server.Port, snap.Config().Server.Port)

	// The old hash is now stale.
	_, err = snap.Swap(Defaults(), hash)
	assert.ErrorIs(t, err, ErrStaleHash)
}

func TestSnapshotSwapValidates(t *testing.T) {
	snap := NewSnapshot(Defaults())
	_, hash := snap.Get()

	bad := Defaults()
	bad.RecordAPIs = []RecordAPIConfig{{Name: "x y z", TableName: "t"}}

	_, err := snap.Swap(bad, hash)
	require.Error(t, err)
	// The live snapshot is untouched.
	assert.Empty(t, snap.Config().RecordAPIs)
}

func TestHashIsStable(t *testing.T) {
	a := Defaults()
	b := Defaults()
	assert.Equal(t, Hash(a), Hash(b))

	b.Server.Port++
	assert.NotEqual(t, Hash(a), Hash(b))
}
