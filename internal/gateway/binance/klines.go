package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"chartsync/internal/gateway/provider"
	"chartsync/internal/market"

	"github.com/tidwall/gjson"
)

const klinesPath = "/api/v3/klines"

func (c *Client) fetchKlines(ctx context.Context, id market.SeriesID, start, end int64, limit int) (provider.Page, error) {
	u, err := url.Parse(c.sdk.BaseURL)
	if err != nil {
		return provider.Page{}, fmt.Errorf("invalid REST base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + klinesPath
	q := u.Query()
	q.Set("symbol", id.Symbol)
	q.Set("interval", id.Interval)
	q.Set("limit", strconv.Itoa(limit))
	if start > 0 {
		q.Set("startTime", strconv.FormatInt(start*1000, 10))
	}
	if end > 0 {
		q.Set("endTime", strconv.FormatInt(end*1000, 10))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return provider.Page{}, err
	}
	resp, err := c.sdk.HTTPClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return provider.Page{}, ctxErr
		}
		return provider.Page{}, &provider.NetworkError{Op: "klines", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Page{}, &provider.NetworkError{Op: "klines", Err: err}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return provider.Page{}, decodeAPIError(resp.StatusCode, body)
	}
	page, err := decodeKlines(body)
	if err != nil {
		return provider.Page{}, err
	}
	log.Debugf("%s klines start=%d end=%d limit=%d -> raw=%d kept=%d", id, start, end, limit, page.Raw, len(page.Candles))
	return page, nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &provider.APIError{Status: status}
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		apiErr.Code = res.Get("code").Int()
		apiErr.Message = res.Get("msg").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// decodeKlines reads the [[openTime, "open", "high", "low", "close", "volume", ...], ...]
// array. Rows that fail validation are dropped; the page survives. The open
// time of a dropped row still counts toward RawOldest, and a non-empty page
// with no readable open time at all is a parse error because nothing tells
// the caller where to page next.
func decodeKlines(body []byte) (provider.Page, error) {
	if !gjson.ValidBytes(body) {
		return provider.Page{}, &provider.ParseError{Err: errors.New("klines body is not valid json")}
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return provider.Page{}, &provider.ParseError{Err: fmt.Errorf("klines body is %s, want array", root.Type)}
	}
	rows := root.Array()
	page := provider.Page{Raw: len(rows), Candles: make([]market.Candle, 0, len(rows))}
	for i, row := range rows {
		if ts, ok := rowOpenTime(row); ok && (page.RawOldest == 0 || ts < page.RawOldest) {
			page.RawOldest = ts
		}
		c, err := decodeKline(row)
		if err != nil {
			log.Warnf("dropping kline row %d: %v", i, err)
			continue
		}
		page.Candles = append(page.Candles, c)
	}
	if len(rows) > 0 && page.RawOldest == 0 {
		return provider.Page{}, &provider.ParseError{Err: fmt.Errorf("none of %d klines rows has an open time", len(rows))}
	}
	if !sort.SliceIsSorted(page.Candles, func(i, j int) bool { return page.Candles[i].Time < page.Candles[j].Time }) {
		sort.SliceStable(page.Candles, func(i, j int) bool { return page.Candles[i].Time < page.Candles[j].Time })
	}
	return page, nil
}

// rowOpenTime reads the open time of a row regardless of its other fields.
func rowOpenTime(row gjson.Result) (int64, bool) {
	if !row.IsArray() {
		return 0, false
	}
	first := row.Get("0")
	if first.Type != gjson.Number {
		return 0, false
	}
	ts := first.Int() / 1000
	return ts, ts > 0
}

func decodeKline(row gjson.Result) (market.Candle, error) {
	if !row.IsArray() {
		return market.Candle{}, &market.ValidationError{Field: "row", Reason: "is not an array"}
	}
	fields := row.Array()
	if len(fields) < 6 {
		return market.Candle{}, &market.ValidationError{Field: "row", Reason: fmt.Sprintf("has %d fields, want >= 6", len(fields))}
	}
	if fields[0].Type != gjson.Number {
		return market.Candle{}, &market.ValidationError{Field: "time", Reason: "is not a number"}
	}
	ts := fields[0].Int() / 1000
	var vals [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := range vals {
		v, err := numberField(fields[i+1])
		if err != nil {
			return market.Candle{}, &market.ValidationError{Time: ts, Field: names[i], Reason: err.Error()}
		}
		vals[i] = v
	}
	c := market.NewCandle(ts, vals[0], vals[1], vals[2], vals[3], vals[4])
	if err := c.Validate(); err != nil {
		return market.Candle{}, err
	}
	return c, nil
}

func numberField(f gjson.Result) (float64, error) {
	switch f.Type {
	case gjson.Number:
		return f.Num, nil
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(f.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("is not numeric (%q)", f.Str)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("has type %s", f.Type)
	}
}
