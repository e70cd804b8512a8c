package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	lastQ   store.Query
	failAll bool
}

func (f *fakeStore) query() store.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQ
}

func (f *fakeStore) Save(context.Context, store.Document) (string, error) { return "", nil }

func (f *fakeStore) List(_ context.Context, q store.Query) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	if f.failAll {
		return nil, errors.New("connection reset")
	}
	var out []store.Document
	for _, d := range f.docs {
		if q.SensorID == "" || d.SensorID == q.SensorID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (store.Document, error) {
	if f.failAll {
		return store.Document{}, errors.New("connection reset")
	}
	d, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) Close() error                                   { return nil }

func newTestServer(st store.Store, healthy func() bool) *httptest.Server {
	srv := New(Options{
		Stores:  map[message.Type]store.Store{message.TypeSoil: st},
		Healthy: healthy,
		Metrics: metrics.New(),
	}, log.NewNop())
	return httptest.NewServer(srv.Handler())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func sampleStore() *fakeStore {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &fakeStore{docs: map[string]store.Document{
		"a1": {ID: "a1", SensorID: "s1", Timestamp: ts, Value: map[string]interface{}{"ph": 6.8}, CreatedAt: ts, UpdatedAt: ts},
	}}
}

func TestList(t *testing.T) {
	st := sampleStore()
	ts := newTestServer(st, nil)
	defer ts.Close()

	status, body := get(t, ts.URL+"/api/soil-data?sensorId=s1&limit=5&offset=2")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.Query{SensorID: "s1", Limit: 5, Offset: 2}, st.query())

	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "a1", docs[0]["_id"])
	assert.Equal(t, "2024-05-01T10:00:00.000Z", docs[0]["timestamp"])
}

func TestList_Defaults(t *testing.T) {
	st := sampleStore()
	ts := newTestServer(st, nil)
	defer ts.Close()

	status, _ := get(t, ts.URL+"/api/soil-data")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.Query{Limit: store.DefaultLimit}, st.query())

	status, _ = get(t, ts.URL+"/api/soil-data?limit=50000")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.MaxLimit, st.query().Limit)
}

func TestList_Empty(t *testing.T) {
	ts := newTestServer(&fakeStore{}, nil)
	defer ts.Close()

	status, body := get(t, ts.URL+"/api/soil-data")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)
}

func TestList_BadParams(t *testing.T) {
	ts := newTestServer(sampleStore(), nil)
	defer ts.Close()

	for _, q := range []string{"limit=abc", "limit=0", "offset=-1", "offset=x"} {
		t.Run(q, func(t *testing.T) {
			status, body := get(t, ts.URL+"/api/soil-data?"+q)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestList_StoreFailure(t *testing.T) {
	ts := newTestServer(&fakeStore{failAll: true}, nil)
	defer ts.Close()

	status, body := get(t, ts.URL+"/api/soil-data")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Internal server error"}`, body)
}

func TestGet(t *testing.T) {
	ts := newTestServer(sampleStore(), nil)
	defer ts.Close()

	status, body := get(t, ts.URL+"/api/soil-data/a1")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"sensorId":"s1"`)

	status, body = get(t, ts.URL+"/api/soil-data/zz")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Soil data not found"}`, body)
}

func TestGet_StoreFailure(t *testing.T) {
	ts := newTestServer(&fakeStore{failAll: true}, nil)
	defer ts.Close()

	status, _ := get(t, ts.URL+"/api/soil-data/a1")
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestUnknownTypeRoute(t *testing.T) {
	ts := newTestServer(sampleStore(), nil)
	defer ts.Close()

	status, _ := get(t, ts.URL+"/api/weather-data")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := newTestServer(sampleStore(), healthy.Load)
	defer ts.Close()

	status, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	healthy.Store(false)
	status, _ = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(sampleStore(), nil)
	defer ts.Close()

	status, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
}

func TestListenAndServe_Shutdown(t *testing.T) {
	srv := New(Options{}, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNotFoundMessage(t *testing.T) {
	assert.Equal(t, "Weather data not found", notFound(message.TypeWeather))
	assert.Equal(t, " data not found", notFound(""))
}
