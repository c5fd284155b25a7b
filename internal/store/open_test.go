package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/store"
)

func TestOpen(t *testing.T) {
	s, err := store.Open(config.StoreConfig{Driver: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)

	s, err = store.Open(config.StoreConfig{Driver: config.StoreBolt, Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.BoltStore{}, s)
	require.NoError(t, s.Close())

	_, err = store.Open(config.StoreConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
