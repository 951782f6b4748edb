package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ShopAssist/internal/errors"
)

func TestSearchCapsResults(t *testing.T) {
	var received searchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query": received.Query,
			"results": []map[string]any{
				{"title": "a", "url": "https://a", "content": "x", "score": 0.9},
				{"title": "b", "url": "https://b", "content": "y", "score": 0.8},
				{"title": "c", "url": "https://c", "content": "z", "score": 0.7},
			},
		})
	}))
	defer server.Close()

	client, err := NewClient("tvly-key", 2, WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	results, err := client.Search(context.Background(), " best laptop 2024 ")
	require.NoError(t, err)
	assert.Equal(t, "best laptop 2024", received.Query)
	assert.Equal(t, 2, received.MaxResults)
	require.Len(t, results, 2)
	assert.Equal(t, "https://a", results[0].URL)
}

func TestSearchMapsStatusCodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient("tvly-key", 3, WithEndpoint(server.URL))
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "anything")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", 3)
	assert.Error(t, err)
}
