package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chartsync/internal/backfill"
	"chartsync/internal/events"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/market"
	"chartsync/internal/store"
	"chartsync/internal/store/jsonfile"
	"chartsync/internal/store/ledger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	page    provider.Page
	pingErr error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) FetchPage(context.Context, provider.PageRequest) (provider.Page, error) {
	return p.page, nil
}

func (p *stubProvider) EarliestTimestamp(context.Context, market.SeriesID) (int64, bool, error) {
	return 0, false, nil
}

func (p *stubProvider) Ping(context.Context) error { return p.pingErr }

func (p *stubProvider) AccountBalance(context.Context) ([]provider.Balance, error) {
	return []provider.Balance{{Asset: "USDT", Free: decimal.RequireFromString("12.5"), Locked: decimal.Zero}}, nil
}

type fixture struct {
	prov   *stubProvider
	files  *jsonfile.Store
	svc    *backfill.Service
	bus    *events.Bus
	ledger *ledger.Ledger
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	f := &fixture{
		prov:   &stubProvider{},
		files:  jsonfile.New(filepath.Join(dir, "data"), ""),
		bus:    events.NewBus(),
		ledger: l,
	}
	reg := store.NewRegistry()
	f.svc = backfill.NewService(backfill.Deps{
		Provider: f.prov,
		Series:   reg,
		Repo:     f.files,
		Runs:     l,
		Bus:      f.bus,
		History:  l,
	}, backfill.Options{PageDelay: time.Millisecond})
	t.Cleanup(f.svc.Close)

	srv, err := NewServer(Config{Sync: f.svc, Series: reg, Runs: l, Events: f.bus, Provider: f.prov})
	require.NoError(t, err)
	f.router = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var body map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func candlesAt(times ...int64) []market.Candle {
	out := make([]market.Candle, 0, len(times))
	for _, ts := range times {
		out = append(out, market.NewCandle(ts, 10, 12, 8, 11, 3))
	}
	return out
}

func TestSeriesEndpoints(t *testing.T) {
	f := newFixture(t)
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.NoError(t, f.files.Save(context.Background(), id, candlesAt(3600, 7200, 10800)))

	rec, body := f.do(t, http.MethodGet, "/api/series/BTCUSDT_1h")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary seriesSummary
	require.NoError(t, json.Unmarshal(body["series"], &summary))
	assert.Equal(t, 3, summary.Candles)
	require.NotNil(t, summary.Range)
	assert.Equal(t, int64(3600), summary.Range.Start)
	assert.False(t, summary.Syncing)

	rec, body = f.do(t, http.MethodGet, "/api/series/BTCUSDT_1h/candles?start=7200&end=10800")
	require.Equal(t, http.StatusOK, rec.Code)
	var candles []market.Candle
	require.NoError(t, json.Unmarshal(body["candles"], &candles))
	require.Len(t, candles, 2)
	assert.Equal(t, int64(7200), candles[0].Time)

	rec, body = f.do(t, http.MethodGet, "/api/series/BTCUSDT_1h/candles?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body["candles"], &candles))
	require.Len(t, candles, 1)
	assert.Equal(t, int64(10800), candles[0].Time)

	rec, _ = f.do(t, http.MethodGet, "/api/series")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCUSDT")
}

func TestSeriesBadRequests(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/series/BTCUSDT",
		"/api/series/BTCUSDT_7x/gaps",
		"/api/series/BTCUSDT_1h/candles?start=abc",
	} {
		rec, body := f.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, body, "error")
	}
}

func TestGapsOfEmptySeries(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/series/ETHUSDT_1d/gaps")
	require.Equal(t, http.StatusOK, rec.Code)
	var gaps []backfill.Gap
	require.NoError(t, json.Unmarshal(body["gaps"], &gaps))
	require.Len(t, gaps, 1)
	assert.Equal(t, backfill.GapHistorical, gaps[0].Kind)
	assert.Zero(t, gaps[0].Start)
}

func TestControlOnIdleSeriesIs404(t *testing.T) {
	f := newFixture(t)
	for _, action := range []string{"pause", "resume", "retry", "stop"} {
		rec, _ := f.do(t, http.MethodPost, "/api/series/BTCUSDT_1h/"+action)
		assert.Equal(t, http.StatusNotFound, rec.Code, action)
	}
	rec, _ := f.do(t, http.MethodGet, "/api/downloads/BTCUSDT_1h")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/downloads")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncRecordsRun(t *testing.T) {
	f := newFixture(t)
	f.prov.page = provider.Page{Candles: candlesAt(3600, 7200), Raw: 2}

	rec, body := f.do(t, http.MethodPost, "/api/series/BTCUSDT_1h/sync")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var start backfill.SyncStart
	require.NoError(t, json.Unmarshal(body["sync"], &start))
	require.True(t, start.Started)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx, start.Series))

	rec, body = f.do(t, http.MethodGet, "/api/runs?series=BTCUSDT_1h")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []ledger.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, start.RunID, runs[0].ID)
	assert.Equal(t, ledger.RunStatusDone, runs[0].Status)

	rec, _ = f.do(t, http.MethodGet, "/api/runs/"+start.RunID)
	assert.Equal(t, http.StatusOK, rec.Code)

	saved, err := f.files.Load(context.Background(), start.Series)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestProviderEndpoints(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/api/provider/ping")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/account/balance")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"USDT"`)

	f.prov.pingErr = &provider.NetworkError{Op: "ping", Err: errors.New("down")}
	rec, _ = f.do(t, http.MethodGet, "/api/provider/ping")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type countingProvider struct {
	*stubProvider
}

func (countingProvider) Stats() provider.Stats {
	return provider.Stats{Requests: 7, Failures: 1, Breaker: "CLOSED"}
}

func TestPingReportsProviderStats(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/api/provider/ping")
	assert.NotContains(t, body, "stats", "providers without counters report none")

	srv, err := NewServer(Config{Sync: f.svc, Series: store.NewRegistry(), Provider: countingProvider{f.prov}})
	require.NoError(t, err)
	f.router = srv.Handler()

	rec, body := f.do(t, http.MethodGet, "/api/provider/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats provider.Stats
	require.NoError(t, json.Unmarshal(body["stats"], &stats))
	assert.Equal(t, int64(7), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, "CLOSED", stats.Breaker)
}

func TestResetHistoryReopensHistoricalGap(t *testing.T) {
	f := newFixture(t)
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.NoError(t, f.files.Save(context.Background(), id, candlesAt(3600, 7200)))
	f.ledger.MarkExhausted(id)

	_, body := f.do(t, http.MethodGet, "/api/series/BTCUSDT_1h/gaps")
	var gaps []backfill.Gap
	require.NoError(t, json.Unmarshal(body["gaps"], &gaps))
	for _, g := range gaps {
		assert.NotEqual(t, backfill.GapHistorical, g.Kind)
	}

	rec, _ := f.do(t, http.MethodPost, "/api/series/BTCUSDT_1h/reset-history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.ledger.Exhausted(id))

	_, body = f.do(t, http.MethodGet, "/api/series/BTCUSDT_1h/gaps")
	require.NoError(t, json.Unmarshal(body["gaps"], &gaps))
	require.NotEmpty(t, gaps)
	assert.Equal(t, backfill.GapHistorical, gaps[len(gaps)-1].Kind)

	rec, _ = f.do(t, http.MethodPost, "/api/series/BTCUSDT/reset-history")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type replayEvents struct {
	events []events.Event
}

// Subscribe hands back a closed channel holding the recorded events, so the
// stream ends once they are written.
func (r replayEvents) Subscribe(int) (<-chan events.Event, func()) {
	ch := make(chan events.Event, len(r.events))
	for _, ev := range r.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv, err := NewServer(Config{
		Sync:   f.svc,
		Series: store.NewRegistry(),
		Events: replayEvents{events: []events.Event{
			{Kind: events.KindBatchProgress, Series: market.NewSeriesID("BTCUSDT", "1h"), Count: 3, Total: 9},
			{Kind: events.KindSyncComplete, Series: market.NewSeriesID("BTCUSDT", "1h"), Count: 7},
		}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(body, "event:batch_progress"), body)
	assert.Contains(t, body, "event:sync_complete")
	assert.Contains(t, body, `"count":7`)
}
