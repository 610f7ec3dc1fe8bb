package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const screenerTimeout = 10 * time.Second

// Screener queries the sanctions screening API. An address is sanctioned
// when the API reports any identification in the sanctions category.
type Screener struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewScreener(baseURL, apiKey string) *Screener {
	return &Screener{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: screenerTimeout},
	}
}

type screeningResponse struct {
	Identifications []struct {
		Category string `json:"category"`
	} `json:"identifications"`
}

// IsSanctioned asks the screening API about one address.
func (s *Screener) IsSanctioned(ctx context.Context, address string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/address/"+url.PathEscape(address), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("screening api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("screening api returned status %d", resp.StatusCode)
	}

	var out screeningResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode screening response: %w", err)
	}
	for _, ident := range out.Identifications {
		if strings.EqualFold(ident.Category, "sanctions") {
			return true, nil
		}
	}
	return false, nil
}
