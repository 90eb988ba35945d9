package subgraph

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/circuitbreaker"
)

func TestFirstKeyByOwner_Hit(t *testing.T) {
	var gotReq graphQLRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"keys":[{"tokenId":"42","owner":"0xB77030a7E47A5eD42e93a7F9adB5510ef7FEB65A","expiration":"1700000000"}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sekrit", slog.Default())
	key, err := c.FirstKeyByOwner(context.Background(), "0xLOCK", []string{"0xb770"})
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "42", key.TokenID)
	assert.Equal(t, "0xb77030a7e47a5ed42e93a7f9adb5510ef7feb65a", key.Owner)
	assert.Equal(t, int64(1700000000), key.Expiration)

	// Lock id must be lowercased on the wire.
	assert.Equal(t, "0xlock", gotReq.Variables["lock"])
}

func TestFirstKeyByOwner_Miss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"keys":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", slog.Default())
	key, err := c.FirstKeyByOwner(context.Background(), "0xlock", []string{"0xb770"})
	require.NoError(t, err)
	assert.Nil(t, key, "empty result is a miss, not an error")
}

func TestFirstKeyByOwner_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", slog.Default())
	_, err := c.FirstKeyByOwner(context.Background(), "0xlock", []string{"0xb770"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFirstKeyByOwner_GraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"no such lock"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", slog.Default())
	_, err := c.FirstKeyByOwner(context.Background(), "0xlock", []string{"0xb770"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such lock")
}

func TestFirstKeyByOwner_CircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", slog.Default())
	for i := 0; i < 5; i++ {
		_, err := c.FirstKeyByOwner(context.Background(), "0xlock", []string{"0xb770"})
		require.Error(t, err)
	}

	// Circuit is now open: no more requests reach the server.
	_, err := c.FirstKeyByOwner(context.Background(), "0xlock", []string{"0xb770"})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}
