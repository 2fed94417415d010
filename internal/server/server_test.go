package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thulrus/ParallaxIndex/internal/aggregate"
	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/internal/pipeline"
	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/scheduler"
	"github.com/Thulrus/ParallaxIndex/internal/store"
	"github.com/Thulrus/ParallaxIndex/pkg/config"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "parallax-logs")
	_ = logger.Init(config.ZapLogConfig{Level: "error", Format: "console", Path: dir, MaxAge: 1, MaxSize: 10})
	code := m.Run()
	_ = logger.Sync()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// stubPlugin answers collects with a fixed value for API tests.
type stubPlugin struct {
	sentiment float64
	fail      bool
}

func (p *stubPlugin) Capability() core.Capability {
	return core.Capability{
		ID:          "stub",
		Version:     "1.0.0",
		DisplayName: "Stub",
		Category:    core.CategoryNumeric,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
		},
	}
}

func (p *stubPlugin) Collect(_ context.Context, src core.SourceInstance) (core.RawSnapshot, error) {
	if p.fail {
		return core.RawSnapshot{}, fmt.Errorf("stub collect failure")
	}
	return core.RawSnapshot{SourceID: src.ID, CollectedAt: time.Now().UTC(), Payload: p.sentiment}, nil
}

func (p *stubPlugin) Distill(_ context.Context, raw core.RawSnapshot, _ []core.DistilledSnapshot, src core.SourceInstance) (core.DistilledSnapshot, error) {
	return core.DistilledSnapshot{
		SourceID:            src.ID,
		Timestamp:           raw.CollectedAt,
		Sentiment:           p.sentiment,
		SentimentConfidence: 1.0,
		Coverage:            1.0,
		Terms:               []core.TermStat{},
	}, nil
}

type testEnv struct {
	handler  http.Handler
	store    *store.SQLite
	plugin   *stubPlugin
	registry *plugin.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)

	stub := &stubPlugin{sentiment: 0.5}
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(stub))

	pipe := pipeline.New(registry, st)
	sched := scheduler.New(st, pipe)
	engine := aggregate.NewEngine(st)

	srv := NewHTTPServer(config.ServerConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}, registry, st, sched, engine, prometheus.NewRegistry())

	return &testEnv{handler: srv.server.Handler, store: st, plugin: stub, registry: registry}
}

// previewStub is a stub with its own preview implementation.
type previewStub struct {
	stubPlugin
}

func (p *previewStub) Capability() core.Capability {
	c := p.stubPlugin.Capability()
	c.ID = "preview_stub"
	return c
}

func (p *previewStub) Preview(context.Context, core.SourceInstance) (map[string]any, error) {
	return map[string]any{"value": 42.5}, nil
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSource(t *testing.T, body map[string]any) sourceResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/sources/", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp sourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func validBody() map[string]any {
	return map[string]any{
		"plugin_id":          "stub",
		"display_name":       "stub source",
		"config":             map[string]any{"url": "https://example.com"},
		"weight":             2.0,
		"sentiment_polarity": "POSITIVE_IS_GOOD",
		"schedule":           "*/15 * * * *",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPlugins(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var caps []core.Capability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	require.Len(t, caps, 1)
	assert.Equal(t, "stub", caps[0].ID)
	assert.NotNil(t, caps[0].ConfigSchema)
}

func TestPreviewEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// A plugin without its own preview falls back to a throwaway collect
	// that reports diagnostics only.
	rec := env.do(t, http.MethodPost, "/api/v1/preview", map[string]any{
		"plugin_id": "stub",
		"config":    map[string]any{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "diagnostics")
	assert.NotContains(t, resp, "value")

	// A previewing plugin reports the extracted value.
	require.NoError(t, env.registry.Register(&previewStub{}))
	rec = env.do(t, http.MethodPost, "/api/v1/preview", map[string]any{
		"plugin_id": "preview_stub",
		"config":    map[string]any{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 42.5, resp["value"].(float64), 1e-9)
}

func TestPreviewEndpointRejections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/preview", map[string]any{
		"plugin_id": "nope",
		"config":    map[string]any{"url": "https://example.com"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/preview", map[string]any{
		"plugin_id": "stub",
		"config":    map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.plugin.fail = true
	rec = env.do(t, http.MethodPost, "/api/v1/preview", map[string]any{
		"plugin_id": "stub",
		"config":    map[string]any{"url": "https://example.com"},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateSource(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSource(t, validBody())

	assert.Equal(t, "stub", resp.PluginID)
	assert.True(t, resp.Enabled)
	assert.Equal(t, "Every 15 minutes", resp.ScheduleText)
	assert.NotEqual(t, uuid.Nil, resp.ID)

	rec := env.do(t, http.MethodGet, "/api/v1/sources/"+resp.ID.String()+"/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSourceRejections(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		status int
	}{
		{"unknown plugin", func(b map[string]any) { b["plugin_id"] = "nope" }, http.StatusNotFound},
		{"bad cron", func(b map[string]any) { b["schedule"] = "every day at noon" }, http.StatusBadRequest},
		{"weight out of range", func(b map[string]any) { b["weight"] = 99.0 }, http.StatusBadRequest},
		{"bad polarity", func(b map[string]any) { b["sentiment_polarity"] = "GOOD" }, http.StatusBadRequest},
		{"config missing url", func(b map[string]any) { b["config"] = map[string]any{} }, http.StatusBadRequest},
		{"missing display name", func(b map[string]any) { delete(b, "display_name") }, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validBody()
			tc.mutate(body)
			rec := env.do(t, http.MethodPost, "/api/v1/sources/", body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestUpdateSource(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodPut, "/api/v1/sources/"+created.ID.String()+"/", map[string]any{
		"display_name": "renamed",
		"enabled":      false,
		"weight":       5.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "renamed", resp.DisplayName)
	assert.False(t, resp.Enabled)
	assert.InDelta(t, 5.0, resp.Weight, 1e-9)
	// Untouched fields survive the partial update.
	assert.Equal(t, "*/15 * * * *", resp.Schedule)

	// Updates re-run the validation gates.
	rec = env.do(t, http.MethodPut, "/api/v1/sources/"+created.ID.String()+"/", map[string]any{
		"schedule": "61 * * * *",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/sources/"+uuid.NewString()+"/", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSource(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodDelete, "/api/v1/sources/"+created.ID.String()+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/sources/not-a-uuid/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSources(t *testing.T) {
	env := newTestEnv(t)
	env.createSource(t, validBody())

	disabled := validBody()
	disabled["enabled"] = false
	disabled["display_name"] = "disabled source"
	env.createSource(t, disabled)

	rec := env.do(t, http.MethodGet, "/api/v1/sources/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []sourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/sources/?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var enabled []sourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enabled))
	assert.Len(t, enabled, 1)
}

func TestCollectNowAndHistory(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/collect", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap core.DistilledSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, created.ID, snap.SourceID)
	assert.InDelta(t, 0.5, snap.Sentiment, 1e-9)

	rec = env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []core.DistilledSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sources/"+uuid.NewString()+"/collect", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectNowFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())
	env.plugin.fail = true

	rec := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/collect", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
}

func TestGlobalAggregation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/collect", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/global", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var agg core.GlobalAggregation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, 1, agg.SourceCount)
	assert.InDelta(t, 0.5, agg.GlobalSentiment, 1e-9)
	assert.InDelta(t, 1.0, agg.Confidence, 1e-9)
}

func TestGlobalWithNoSources(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/global", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var agg core.GlobalAggregation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Zero(t, agg.SourceCount)
	assert.Zero(t, agg.GlobalSentiment)
	assert.Zero(t, agg.Confidence)
}

func TestSourceStatus(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	status, ok := resp["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "IDLE", status["state"])

	rec = env.do(t, http.MethodGet, "/api/v1/sources/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.Append(ctx, core.DistilledSnapshot{
			SourceID:  created.ID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Terms:     []core.TermStat{},
		}))
	}

	rec := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/sweep?keep=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp["removed"])

	rec = env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/sweep?keep=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourceHealth(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSource(t, validBody())

	rec := env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["healthy"])

	env.plugin.fail = true
	rec = env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String()+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["healthy"])
}
