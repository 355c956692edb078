package idl

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleIDL = `{
	"version": "0.1.0",
	"name": "whirlpool",
	"instructions": [
		{"name": "swap", "args": [{"name": "amount", "type": "u64"}]},
		{"name": "increaseLiquidity", "args": []}
	],
	"errors": [
		{"code": 6003, "name": "StaleOracle", "msg": "Oracle price is stale"},
		{"code": 6010, "name": "InvalidTickIndex", "msg": "Tick index out of range"}
	]
}`

func TestDiscriminatorMatchesAnchorDerivation(t *testing.T) {
	hash := sha256.Sum256([]byte("global:swap"))
	disc := Discriminator("swap")
	assert.Equal(t, hash[:8], disc[:])
}

func TestRegisteredSchemaResolvesInstructionAndError(t *testing.T) {
	registry := NewRegistry("", zap.NewNop())

	var idl AnchorIDL
	require.NoError(t, json.Unmarshal([]byte(sampleIDL), &idl))
	schema := registry.Register("WhirLbMgr", &idl)

	disc := Discriminator("swap")
	data := append(disc[:], 1, 2, 3)
	name, ok := schema.InstructionName(data)
	require.True(t, ok)
	assert.Equal(t, "swap", name)

	_, ok = schema.InstructionName([]byte{0, 1, 2})
	assert.False(t, ok, "short data cannot carry a discriminator")

	idlErr, ok := schema.ErrorByCode(6003)
	require.True(t, ok)
	assert.Equal(t, "StaleOracle", idlErr.Name)

	_, ok = schema.ErrorByCode(9999)
	assert.False(t, ok)
}

func TestLookupFetchesOncePerProgram(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleIDL))
	}))
	defer server.Close()

	registry := NewRegistry(server.URL, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schema, err := registry.Lookup(context.Background(), "WhirLbMgr")
			assert.NoError(t, err)
			assert.NotNil(t, schema)
		}()
	}
	wg.Wait()

	// Warm lookup after the first wave.
	schema, err := registry.Lookup(context.Background(), "WhirLbMgr")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "whirlpool", schema.IDL.Name)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestLookupCachesMisses(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewRegistry(server.URL, zap.NewNop())

	for i := 0; i < 3; i++ {
		schema, err := registry.Lookup(context.Background(), "Unknown111")
		require.NoError(t, err)
		assert.Nil(t, schema)
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestLookupWithoutRepositoryReturnsNil(t *testing.T) {
	registry := NewRegistry("", zap.NewNop())
	schema, err := registry.Lookup(context.Background(), "AnyProgram")
	require.NoError(t, err)
	assert.Nil(t, schema)
}
