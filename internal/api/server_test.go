package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/policy/quota"
	"github.com/JakeFAU/harvester/internal/queue"
	queueMemory "github.com/JakeFAU/harvester/internal/queue/memory"
	"github.com/JakeFAU/harvester/internal/registry"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeStrategy struct {
	name    string
	tier    int
	session bool
}

func (s *fakeStrategy) Name() string                 { return s.name }
func (s *fakeStrategy) CostTier() int                { return s.tier }
func (s *fakeStrategy) RequiresSession() bool        { return s.session }
func (s *fakeStrategy) Hints() []harvest.ContentHint { return nil }

func (s *fakeStrategy) Attempt(context.Context, harvest.AcquisitionRequest, *harvest.Session) harvest.AcquisitionResult {
	return harvest.AcquisitionResult{Success: true}
}

type testEnv struct {
	server *Server
	queue  *queueMemory.Queue
	clock  *fakeClock
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	metrics.Init()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := quota.New(quota.NewMemoryStore(), map[string]harvest.QuotaPolicy{
		"paid_api": {MaxUses: 100, Period: harvest.PeriodMonthly},
	}, clock)
	q := queueMemory.New(queue.DefaultRetryPolicy(), tracker, clock, zap.NewNop())
	reg := registry.New(tracker, zap.NewNop(),
		&fakeStrategy{name: "direct_fetch", tier: 1},
		&fakeStrategy{name: "paid_api", tier: 3, session: true},
	)
	return &testEnv{
		server: NewServer(q, tracker, reg, clock, cfg, zap.NewNop()),
		queue:  q,
		clock:  clock,
	}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitItem_Succeeds(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/story","content_hint":"article","priority":5}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["item_id"])

	item, err := env.queue.Get(context.Background(), resp["item_id"])
	require.NoError(t, err)
	require.Equal(t, harvest.StatusPending, item.Status)
	require.Equal(t, "https://example.com/story", item.Request.SourceURI)
}

func TestServer_SubmitItem_DeduplicatesToSameID(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	first := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/a?utm_source=x"}`))
	second := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://EXAMPLE.com/a"}`))

	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	var a, b map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a["item_id"], b["item_id"])
}

func TestServer_SubmitItem_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/v1/items", []byte("{invalid"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitItem_MissingURI(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"priority":1}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "source_uri required")
}

func TestServer_ListItems_FiltersByStatus(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/one"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(http.MethodGet, "/v1/items?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []harvest.QueueItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)

	rec = env.do(http.MethodGet, "/v1/items?status=dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/items?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetItem_NotFound(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/v1/items/nope", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelPendingItem(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/cancel-me"}`))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = env.do(http.MethodPost, "/v1/items/"+resp["item_id"]+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := env.queue.Get(context.Background(), resp["item_id"])
	require.NoError(t, err)
	require.Equal(t, harvest.StatusFailedPermanent, item.Status)
}

func TestServer_RequeueRequiresTerminalItem(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/active"}`))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = env.do(http.MethodPost, "/v1/items/"+resp["item_id"]+"/requeue", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_Requeue_CreatesFreshItem(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/items", []byte(`{"source_uri":"https://example.com/redo"}`))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// Cancel moves the pending item to failed_permanent, a terminal state.
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/v1/items/"+resp["item_id"]+"/cancel", nil).Code)

	rec = env.do(http.MethodPost, "/v1/items/"+resp["item_id"]+"/requeue", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var requeued map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &requeued))
	require.NotEqual(t, resp["item_id"], requeued["item_id"])

	item, err := env.queue.Get(context.Background(), requeued["item_id"])
	require.NoError(t, err)
	require.Equal(t, harvest.StatusPending, item.Status)
	require.Zero(t, item.AttemptCount)
}

func TestServer_ListStrategies_ReportsQuota(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/v1/strategies", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Strategies []strategyStatus `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Strategies, 2)

	byName := map[string]strategyStatus{}
	for _, s := range resp.Strategies {
		byName[s.Name] = s
	}
	require.False(t, byName["direct_fetch"].Metered)
	paid := byName["paid_api"]
	require.True(t, paid.Metered)
	require.Equal(t, 100, paid.QuotaLimit)
	require.Zero(t, paid.QuotaUsed)
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), paid.QuotaResetsAt)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}})

	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
}

func TestServer_HealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_")
}