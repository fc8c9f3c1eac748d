// Package jsonfile persists one JSON document per series under
// {root}/{exchange}/{SYMBOL}/{interval file}.json. Timestamps are stored in
// milliseconds, the exchange unit; the in-memory model uses seconds.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chartsync/internal/market"

	"github.com/tidwall/gjson"
)

const DefaultExchangeDir = "Binance"

type fileCandle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type fileDoc struct {
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Candles  []fileCandle `json:"candles"`
}

type Store struct {
	root     string
	exchange string
}

func New(root, exchange string) *Store {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "data"
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchangeDir
	}
	return &Store{root: root, exchange: exchange}
}

func (s *Store) Root() string { return filepath.Join(s.root, s.exchange) }

// Path returns the file backing id. 1m and 1M would collide on
// case-insensitive filesystems, so they are spelled out.
func (s *Store) Path(id market.SeriesID) string {
	return filepath.Join(s.root, s.exchange, id.Symbol, fileName(id.Interval)+".json")
}

func fileName(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "1M":
		return "1month"
	default:
		return interval
	}
}

func intervalFromFile(name string) string {
	switch name {
	case "1min":
		return "1m"
	case "1month":
		return "1M"
	default:
		return name
	}
}

// Save writes candles atomically: a temp file in the target directory is
// renamed over the previous snapshot.
func (s *Store) Save(ctx context.Context, id market.SeriesID, candles []market.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := fileDoc{Symbol: id.Symbol, Interval: id.Interval, Candles: make([]fileCandle, len(candles))}
	for i, c := range candles {
		doc.Candles[i] = fileCandle{
			Time:   c.OpenTimeMillis(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	path := s.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Load reads the snapshot of id. A missing file returns an error matching
// fs.ErrNotExist. The legacy {"klines":[{"open_time":...}]} layout is accepted.
func (s *Store) Load(ctx context.Context, id market.SeriesID) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, err
	}
	_, candles, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path(id), err)
	}
	return candles, nil
}

// List discovers every persisted series. The identity comes from the document
// header when present, otherwise from the directory layout.
func (s *Store) List(ctx context.Context) ([]market.SeriesID, error) {
	root := s.Root()
	var out []market.SeriesID
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		id, ok := identityFromFile(path)
		if !ok {
			return nil
		}
		out = append(out, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func identityFromFile(path string) (market.SeriesID, bool) {
	data, err := os.ReadFile(path)
	if err == nil {
		header := gjson.GetManyBytes(data, "symbol", "interval")
		if header[0].String() != "" && header[1].String() != "" {
			return market.NewSeriesID(header[0].String(), header[1].String()), true
		}
	}
	symbol := filepath.Base(filepath.Dir(path))
	interval := intervalFromFile(strings.TrimSuffix(filepath.Base(path), ".json"))
	if symbol == "" || interval == "" {
		return market.SeriesID{}, false
	}
	return market.NewSeriesID(symbol, interval), true
}

func decode(data []byte) (market.SeriesID, []market.Candle, error) {
	if !gjson.ValidBytes(data) {
		return market.SeriesID{}, nil, errors.New("invalid json")
	}
	root := gjson.ParseBytes(data)
	id := market.NewSeriesID(root.Get("symbol").String(), root.Get("interval").String())
	rows := root.Get("candles")
	timeKey := "time"
	if !rows.Exists() {
		rows = root.Get("klines")
		timeKey = "open_time"
	}
	if !rows.Exists() {
		return id, nil, nil
	}
	if !rows.IsArray() {
		return id, nil, fmt.Errorf("candles is %s, want array", rows.Type)
	}
	arr := rows.Array()
	out := make([]market.Candle, 0, len(arr))
	for _, row := range arr {
		out = append(out, market.NewCandle(
			row.Get(timeKey).Int()/1000,
			row.Get("open").Float(),
			row.Get("high").Float(),
			row.Get("low").Float(),
			row.Get("close").Float(),
			row.Get("volume").Float(),
		))
	}
	return id, out, nil
}
