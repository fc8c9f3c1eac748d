package apihttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chartsync/internal/backfill"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/market"

	"github.com/gin-gonic/gin"
)

type seriesSummary struct {
	Series   market.SeriesID    `json:"series"`
	Candles  int                `json:"candles"`
	Range    *market.TimeRange  `json:"range,omitempty"`
	Price    *market.PriceRange `json:"price,omitempty"`
	Syncing  bool               `json:"syncing"`
	Progress *backfill.Progress `json:"progress,omitempty"`
}

func (s *Server) summarize(id market.SeriesID, series *market.Series) seriesSummary {
	out := seriesSummary{Series: id, Candles: series.Len()}
	if tr, ok := series.TimeRange(); ok {
		out.Range = &tr
	}
	if pr, ok := series.PriceRange(); ok {
		out.Price = &pr
	}
	if p, ok := s.cfg.Sync.Progress(id); ok {
		out.Syncing = true
		out.Progress = &p
	}
	return out
}

func seriesParam(c *gin.Context) (market.SeriesID, bool) {
	id, err := market.ParseSeriesID(c.Param("id"))
	if err == nil && !market.KnownInterval(id.Interval) {
		err = &provider.InvalidSeriesError{Name: c.Param("id")}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return market.SeriesID{}, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var (
		invalid *provider.InvalidSeriesError
		apiErr  *provider.APIError
		netErr  *provider.NetworkError
	)
	switch {
	case errors.As(err, &invalid), errors.Is(err, market.ErrInvalidSeriesID):
		status = http.StatusBadRequest
	case errors.As(err, &apiErr), errors.As(err, &netErr), errors.Is(err, provider.ErrCircuitOpen):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleSeriesList(c *gin.Context) {
	ids := s.cfg.Series.IDs()
	out := make([]seriesSummary, 0, len(ids))
	for _, id := range ids {
		series, err := s.cfg.Sync.Series(c.Request.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, s.summarize(id, series))
	}
	c.JSON(http.StatusOK, gin.H{"series": out})
}

func (s *Server) handleSeries(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	series, err := s.cfg.Sync.Series(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": s.summarize(id, series)})
}

// handleCandles serves ?start=&end= (Unix seconds, inclusive) and an optional
// ?limit= keeping the newest candles.
func (s *Server) handleCandles(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	start, err1 := queryInt(c, "start", 0)
	end, err2 := queryInt(c, "end", 0)
	limit, err3 := queryInt(c, "limit", 0)
	if err := errors.Join(err1, err2, err3); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	series, err := s.cfg.Sync.Series(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	var candles []market.Candle
	if start > 0 || end > 0 {
		if end <= 0 {
			end = 1<<63 - 1
		}
		candles = series.Visible(start, end)
	} else {
		candles = series.Candles()
	}
	if limit > 0 && int(limit) < len(candles) {
		candles = candles[len(candles)-int(limit):]
	}
	c.JSON(http.StatusOK, gin.H{"series": id, "candles": candles})
}

func (s *Server) handleGaps(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	gaps, err := s.cfg.Sync.Gaps(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if gaps == nil {
		gaps = []backfill.Gap{}
	}
	c.JSON(http.StatusOK, gin.H{
		"series":          id,
		"gaps":            gaps,
		"estimated_total": backfill.EstimateTotal(gaps, id.Interval),
	})
}

func (s *Server) handleSync(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	start, err := s.cfg.Sync.Sync(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if start.Started {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"sync": start})
}

func (s *Server) control(fn func(*gin.Context, market.SeriesID) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := seriesParam(c)
		if !ok {
			return
		}
		if !fn(c, id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "series is not synchronizing"})
			return
		}
		p, _ := s.cfg.Sync.Progress(id)
		c.JSON(http.StatusOK, gin.H{"ok": true, "progress": p})
	}
}

func (s *Server) handleResetHistory(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	if err := s.cfg.Sync.ResetHistory(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "series": id})
}

func (s *Server) handleDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"downloads": s.cfg.Sync.Downloads()})
}

func (s *Server) handleDownload(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	p, ok := s.cfg.Sync.Progress(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "series is not synchronizing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"download": p, "percent": p.Percent()})
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.cfg.Runs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run ledger disabled"})
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var filter *market.SeriesID
	if raw := strings.TrimSpace(c.Query("series")); raw != "" {
		id, err := market.ParseSeriesID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter = &id
	}
	runs, err := s.cfg.Runs.Runs(c.Request.Context(), filter, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRun(c *gin.Context) {
	if s.cfg.Runs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run ledger disabled"})
		return
	}
	run, err := s.cfg.Runs.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// handleEvents streams engine signals as server-sent events until the client
// goes away.
func (s *Server) handleEvents(c *gin.Context) {
	if s.cfg.Events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	ch, cancel := s.cfg.Events.Subscribe(128)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
		}
	}
}

func (s *Server) handlePing(c *gin.Context) {
	if s.cfg.Provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no provider configured"})
		return
	}
	if err := s.cfg.Provider.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{"provider": s.cfg.Provider.Name(), "ok": true}
	if r, ok := s.cfg.Provider.(provider.StatsReporter); ok {
		out["stats"] = r.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.cfg.Provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no provider configured"})
		return
	}
	balances, err := s.cfg.Provider.AccountBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return v, nil
}
