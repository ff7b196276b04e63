package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// FeatureStoreClient fetches prepared feature rows from an upstream
// feature-store service instead of local CSV files.
type FeatureStoreClient struct {
	baseURL          string
	rowsPath         string
	observationsPath string
	httpClient       *http.Client
}

// NewFeatureStoreClient constructs a client targeting the configured store.
func NewFeatureStoreClient(baseURL, rowsPath, observationsPath string, timeout time.Duration) *FeatureStoreClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FeatureStoreClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		rowsPath:         rowsPath,
		observationsPath: observationsPath,
		httpClient:       &http.Client{Timeout: timeout},
	}
}

// FetchPopulation retrieves the reference population rows.
func (c *FeatureStoreClient) FetchPopulation(ctx context.Context) (models.Schema, []models.FeatureVector, error) {
	if c == nil || c.baseURL == "" {
		return nil, nil, fmt.Errorf("feature store not configured")
	}

	var response struct {
		Variables []string    `json:"variables"`
		Rows      [][]float64 `json:"rows"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.rowsPath), map[string]any{}, &response); err != nil {
		return nil, nil, fmt.Errorf("feature store rows request failed: %w", err)
	}
	if len(response.Rows) == 0 {
		return nil, nil, fmt.Errorf("feature store returned no rows")
	}

	schema := models.Schema(response.Variables)
	rows := make([]models.FeatureVector, 0, len(response.Rows))
	for i, values := range response.Rows {
		if len(values) != len(schema) {
			return nil, nil, fmt.Errorf("feature store row %d has %d values for %d variables", i, len(values), len(schema))
		}
		rows = append(rows, models.FeatureVector{
			Variables: append([]string(nil), schema...),
			Values:    append([]float64(nil), values...),
		})
	}
	return schema, rows, nil
}

// FetchObservations retrieves observations to explain, up to limit (0 means
// the store's default page).
func (c *FeatureStoreClient) FetchObservations(ctx context.Context, limit int) ([]models.Observation, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("feature store not configured")
	}

	var response struct {
		Variables    []string `json:"variables"`
		Observations []struct {
			ID     string    `json:"id"`
			Label  *float64  `json:"label"`
			Values []float64 `json:"values"`
		} `json:"observations"`
	}
	payload := map[string]any{}
	if limit > 0 {
		payload["limit"] = limit
	}
	if err := c.postJSON(ctx, c.resolvePath(c.observationsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("feature store observations request failed: %w", err)
	}
	if len(response.Observations) == 0 {
		return nil, fmt.Errorf("feature store returned no observations")
	}

	schema := models.Schema(response.Variables)
	observations := make([]models.Observation, 0, len(response.Observations))
	for i, raw := range response.Observations {
		if len(raw.Values) != len(schema) {
			return nil, fmt.Errorf("feature store observation %d has %d values for %d variables", i, len(raw.Values), len(schema))
		}
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("obs-%d", i+1)
		}
		observations = append(observations, models.Observation{
			ID:    id,
			Label: raw.Label,
			Features: models.FeatureVector{
				Variables: append([]string(nil), schema...),
				Values:    append([]float64(nil), raw.Values...),
			},
		})
	}
	return observations, nil
}

func (c *FeatureStoreClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *FeatureStoreClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feature store returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
