// Package subgraph queries the indexer for key ownership. The subgraph is a
// low-latency shortcut, never authoritative alone: every caller must be able
// to fall back to direct chain reads, so failures here are cheap and fast --
// circuit-broken and classified transient.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/chain/retry"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/circuitbreaker"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/metrics"
)

// firstKeyQuery resolves the newest key for any of the owners on one lock
// without enumerating the chain.
const firstKeyQuery = `query FirstKey($lock: String!, $owners: [String!]!) {
  keys(first: 1, orderBy: createdAt, orderDirection: desc, where: {lock: $lock, owner_in: $owners}) {
    tokenId
    owner
    expiration
  }
}`

// Key is one resolved key from the indexer.
type Key struct {
	TokenID    string
	Owner      string
	Expiration int64 // epoch seconds; 0 when the indexer has no expiration
}

// Client is an HTTP GraphQL client for the membership subgraph.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// NewClient creates a subgraph client. apiKey may be empty.
func NewClient(endpoint, apiKey string, logger *slog.Logger) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger.With("component", "subgraph"),
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			c.logger.Warn("subgraph circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// FirstKeyByOwner returns the most recently created key held by any of the
// owners on lock, or nil when the indexer knows of none. Owners must already
// be lowercase; lock is lowercased here to match subgraph id conventions.
func (c *Client) FirstKeyByOwner(ctx context.Context, lock string, owners []string) (*Key, error) {
	var key *Key
	err := c.breaker.Do(func() error {
		var queryErr error
		key, queryErr = c.firstKey(ctx, strings.ToLower(lock), owners)
		return queryErr
	})
	if err == circuitbreaker.ErrCircuitOpen {
		metrics.SubgraphRequests.WithLabelValues("open_circuit").Inc()
		return nil, retry.Terminal(err)
	}
	if err != nil {
		metrics.SubgraphRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SubgraphRequests.WithLabelValues("ok").Inc()
	return key, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Keys []struct {
			TokenID    string `json:"tokenId"`
			Owner      string `json:"owner"`
			Expiration string `json:"expiration"`
		} `json:"keys"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) firstKey(ctx context.Context, lock string, owners []string) (*Key, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     firstKeyQuery,
		Variables: map[string]any{"lock": lock, "owners": owners},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subgraph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create subgraph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subgraph request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read subgraph response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subgraph status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed graphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal subgraph response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("subgraph error: %s", parsed.Errors[0].Message)
	}
	if len(parsed.Data.Keys) == 0 {
		return nil, nil
	}

	raw := parsed.Data.Keys[0]
	key := &Key{TokenID: raw.TokenID, Owner: strings.ToLower(raw.Owner)}
	if raw.Expiration != "" {
		expiry, err := strconv.ParseInt(raw.Expiration, 10, 64)
		if err != nil {
			c.logger.Debug("unparseable key expiration from subgraph", "value", raw.Expiration)
		} else {
			key.Expiration = expiry
		}
	}
	return key, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
