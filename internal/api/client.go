package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/ml"
	"donor-insights/internal/storage"
)

// APIError is a non-2xx answer from the server. It unwraps to
// donor.ErrNotFound for 404 and ml.ErrNotReady for 503 so callers can use
// errors.Is across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return donor.ErrNotFound
	case http.StatusServiceUnavailable:
		return ml.ErrNotReady
	}
	return nil
}

// Client calls a remote analytics server.
type Client struct {
	base string
	rest *resty.Client
}

// NewClient creates a client for the server at base.
func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second) // default fallback
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

func (c *Client) do(req *resty.Request, method, path string) error {
	apiErr := &errorResponse{}
	resp, err := req.SetError(apiErr).Execute(method, c.base+path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

// Train runs a training pass on the server and waits for it to finish.
func (c *Client) Train(ctx context.Context) (TrainResponse, error) {
	var out TrainResponse
	req := c.rest.R().SetContext(ctx).SetQueryParam("wait", "true").SetResult(&out)
	if err := c.do(req, resty.MethodPost, "/train"); err != nil {
		return TrainResponse{}, err
	}
	return out, nil
}

// PredictDonor fetches the full prediction for one donor.
func (c *Client) PredictDonor(ctx context.Context, id string) (ml.PredictionResult, error) {
	var out ml.PredictionResult
	req := c.rest.R().SetContext(ctx).SetResult(&out)
	if err := c.do(req, resty.MethodGet, "/donors/"+url.PathEscape(id)+"/prediction"); err != nil {
		return ml.PredictionResult{}, err
	}
	return out, nil
}

// PredictionHistory fetches a donor's stored snapshots in [from, to].
func (c *Client) PredictionHistory(ctx context.Context, id string, from, to time.Time) ([]storage.PredictionSnapshot, error) {
	var out []storage.PredictionSnapshot
	req := c.rest.R().SetContext(ctx).SetResult(&out).SetQueryParams(map[string]string{
		"from": from.Format(time.RFC3339),
		"to":   to.Format(time.RFC3339),
	})
	if err := c.do(req, resty.MethodGet, "/donors/"+url.PathEscape(id)+"/predictions"); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict runs the stateless ensemble prediction.
func (c *Client) Predict(ctx context.Context, v features.Vector, series features.TimeSeries) (ml.EnsemblePredictionResult, error) {
	var out ml.EnsemblePredictionResult
	req := c.rest.R().SetContext(ctx).SetResult(&out).SetBody(PredictRequest{
		Features: v.Slice(),
		Series:   series,
	})
	if err := c.do(req, resty.MethodPost, "/predict"); err != nil {
		return ml.EnsemblePredictionResult{}, err
	}
	return out, nil
}

// ModelInfo fetches the server's model metadata.
func (c *Client) ModelInfo(ctx context.Context) (ml.ModelInfo, error) {
	var out ml.ModelInfo
	req := c.rest.R().SetContext(ctx).SetResult(&out)
	if err := c.do(req, resty.MethodGet, "/model/info"); err != nil {
		return ml.ModelInfo{}, err
	}
	return out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	req := c.rest.R().SetContext(ctx).SetResult(&out)
	if err := c.do(req, resty.MethodGet, "/health"); err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}
