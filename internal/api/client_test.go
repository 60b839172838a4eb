package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/ml"
)

func TestClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	client := NewClient(ts.URL+"/", 30*time.Second)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	_, err = client.PredictDonor(ctx, "donor-01")
	assert.ErrorIs(t, err, ml.ErrNotReady)

	trained, err := client.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trained", trained.Status)

	result, err := client.PredictDonor(ctx, "donor-01")
	require.NoError(t, err)
	assert.Equal(t, "donor-01", result.DonorID)

	_, err = client.PredictDonor(ctx, "ghost")
	assert.ErrorIs(t, err, donor.ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	history, err := client.PredictionHistory(ctx, "donor-01", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 1)

	ensemble, err := client.Predict(ctx, features.Vector{3, 40, 0.25, 0.4, 0.5, 0.7}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ensemble.ModelContributions)

	info, err := client.ModelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, trained.Info.Version, info.Version)
}

func TestClient_ConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewClient(url, time.Second)
	_, err := client.Health(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAPIError_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusNotFound}, donor.ErrNotFound)
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusServiceUnavailable}, ml.ErrNotReady)
	assert.Nil(t, (&APIError{StatusCode: http.StatusBadRequest}).Unwrap())
}
