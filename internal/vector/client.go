package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
)

// Client talks to the vector search service over its REST API. All methods
// retry transient failures with exponential backoff.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retries int
	backoff time.Duration
}

// NewClient builds a client from configuration.
func NewClient(cfg config.VectorConfig) *Client {
	cfg = cfg.Normalize()
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		retries: cfg.MaxRetries,
		backoff: 300 * time.Millisecond,
	}
}

type searchRequest struct {
	Vector         []float32 `json:"vector"`
	Filter         *Filter   `json:"filter,omitempty"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type searchResponse struct {
	Result []struct {
		ID      interface{}            `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
}

// Search runs a filtered similarity search against a collection.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, filter *Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	if filter.Empty() {
		filter = nil
	}
	req := searchRequest{Vector: vec, Filter: filter, Limit: limit, ScoreThreshold: scoreThreshold, WithPayload: true}
	var resp searchResponse
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("vector search %s: %w", collection, err)
	}
	points := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		points = append(points, ScoredPoint{ID: pointID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return points, nil
}

type upsertRequest struct {
	Points []Point `json:"points"`
}

// Upsert writes points into a collection, replacing any with the same id.
func (c *Client) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodPut, endpoint, upsertRequest{Points: points}, nil); err != nil {
		return fmt.Errorf("vector upsert %s: %w", collection, err)
	}
	return nil
}

type retrieveResponse struct {
	Result *struct {
		ID      interface{}            `json:"id"`
		Vector  []float32              `json:"vector"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
}

// Retrieve fetches a single point by id. The boolean reports existence.
func (c *Client) Retrieve(ctx context.Context, collection, id string) (*Point, bool, error) {
	endpoint := fmt.Sprintf("%s/collections/%s/points/%s", c.baseURL, url.PathEscape(collection), url.PathEscape(id))
	var resp retrieveResponse
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("vector retrieve %s/%s: %w", collection, id, err)
	}
	if resp.Result == nil {
		return nil, false, nil
	}
	return &Point{ID: pointID(resp.Result.ID), Vector: resp.Result.Vector, Payload: resp.Result.Payload}, true, nil
}

var errNotFound = errors.New("not found")

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("api-key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				switch {
				case resp.StatusCode >= 200 && resp.StatusCode < 300:
					if out == nil {
						lastErr = nil
						return
					}
					lastErr = json.NewDecoder(resp.Body).Decode(out)
				case resp.StatusCode == http.StatusNotFound:
					lastErr = errNotFound
				default:
					b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
					lastErr = errors.New(resp.Status + ": " + string(b))
				}
			}()
			if lastErr == nil || errors.Is(lastErr, errNotFound) {
				return lastErr
			}
			// 4xx responses other than 404 will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func pointID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return fmt.Sprint(id)
	}
}
