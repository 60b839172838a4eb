package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donor-insights/internal/metrics"
	"donor-insights/internal/ml"
)

var _ ml.TrainingListener = (*Hub)(nil)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_BroadcastsTrainingEvents(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	hub := NewHub(metrics.NewWrapper(m))
	hub.Start()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()
	defer hub.Stop()

	first := dialHub(t, ts)
	defer first.Close()
	second := dialHub(t, ts)
	defer second.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WSClients))

	sent := ml.TrainingEvent{
		Type:       ml.EventTrainingCompleted,
		Version:    "20260101-000000",
		DonorCount: 42,
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	hub.OnTrainingEvent(sent)

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got ml.TrainingEvent
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, sent, got)
	}

	first.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialHub(t, ts)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// A stopped hub never restarts and drops events once its queue fills.
	hub.Start()
	for i := 0; i < broadcastBuffer+5; i++ {
		hub.OnTrainingEvent(ml.TrainingEvent{Type: ml.EventTrainingStarted})
	}
}

func TestHub_RefusesClientsAfterStop(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	hub := NewHub(metrics.NewWrapper(m))
	hub.Start()
	hub.Stop()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialHub(t, ts)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WSClients))
}

func TestHub_ReceivesEngineEvents(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialHub(t, ts)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	engine := ml.NewEngine(ml.NewMockRepository(population(8)...), smallEngineConfig(), nil)
	engine.SetListener(hub)
	require.NoError(t, engine.TrainModels(t.Context()))

	var types []string
	for len(types) < 2 {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev ml.TrainingEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{ml.EventTrainingStarted, ml.EventTrainingCompleted}, types)
}
