package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func TestPriceParsesAndCaches(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Contains(t, r.URL.RawQuery, usdcMint)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"` + usdcMint + `":{"price":"1.0001"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())

	for i := 0; i < 3; i++ {
		usd, err := client.Price(context.Background(), usdcMint)
		require.NoError(t, err)
		assert.InDelta(t, 1.0001, usd, 1e-9)
	}
	assert.Equal(t, int32(1), requests.Load(), "repeat quotes served from cache")
}

func TestPriceCacheExpires(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"data":{"` + usdcMint + `":{"price":"1.0"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	now := time.Now()
	client.now = func() time.Time { return now }

	_, err := client.Price(context.Background(), usdcMint)
	require.NoError(t, err)

	now = now.Add(priceTTL + time.Second)
	_, err = client.Price(context.Background(), usdcMint)
	require.NoError(t, err)

	assert.Equal(t, int32(2), requests.Load())
}

func TestPricesServesCachedAndFetchesMissing(t *testing.T) {
	const solMint = "So11111111111111111111111111111111111111112"
	var requests atomic.Int32
	var lastQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		lastQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":{"` + usdcMint + `":{"price":"1.0"},"` + solMint + `":{"price":"150.0"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())

	prices, err := client.Prices(context.Background(), []string{usdcMint, solMint})
	require.NoError(t, err)
	assert.Len(t, prices, 2)

	// Both mints are fresh in the cache; the batch is free.
	prices, err = client.Prices(context.Background(), []string{usdcMint, solMint})
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.Equal(t, int32(1), requests.Load())

	// An unseen mint triggers a fetch for it alone.
	_, err = client.Prices(context.Background(), []string{usdcMint, "NewMint111111111111111111111111111111111111"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
	assert.NotContains(t, lastQuery, usdcMint, "cached mints are not re-requested")
}

func TestUnknownMintFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	_, err := client.Price(context.Background(), "UnknownMint1111111111111111111111111111111")
	assert.Error(t, err)
}

func TestEmptyURLDisablesClient(t *testing.T) {
	assert.Nil(t, NewClient("", zap.NewNop()))
}
