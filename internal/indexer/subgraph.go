package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const subgraphTimeout = 10 * time.Second

// SubgraphClient probes the event subgraph's indexing health.
type SubgraphClient struct {
	url    string
	client *http.Client
}

func NewSubgraphClient(url string) *SubgraphClient {
	return &SubgraphClient{
		url:    url,
		client: &http.Client{Timeout: subgraphTimeout},
	}
}

// SubgraphMeta is the subgraph's own view of its indexing progress.
type SubgraphMeta struct {
	HasIndexingErrors bool
	BlockNumber       uint64
}

const metaQuery = `{ _meta { hasIndexingErrors block { number } } }`

// Meta runs the _meta probe.
func (c *SubgraphClient) Meta(ctx context.Context) (*SubgraphMeta, error) {
	body, err := json.Marshal(map[string]string{"query": metaQuery})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subgraph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subgraph returned status %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Meta struct {
				HasIndexingErrors bool `json:"hasIndexingErrors"`
				Block             struct {
					Number uint64 `json:"number"`
				} `json:"block"`
			} `json:"_meta"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode subgraph response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("subgraph query error: %s", out.Errors[0].Message)
	}

	return &SubgraphMeta{
		HasIndexingErrors: out.Data.Meta.HasIndexingErrors,
		BlockNumber:       out.Data.Meta.Block.Number,
	}, nil
}
