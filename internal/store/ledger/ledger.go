// Package ledger records sync bookkeeping that must survive restarts: which
// series have no older history on the exchange, and the history of sync runs.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chartsync/internal/logger"
	"chartsync/internal/market"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const (
	RunStatusRunning  = "running"
	RunStatusDone     = "done"
	RunStatusStopped  = "stopped"
	RunStatusStalled  = "stalled"
	RunStatusNoChange = "up_to_date"
)

type seriesStateModel struct {
	SeriesKey        string `gorm:"primaryKey;size:64"`
	Symbol           string `gorm:"size:32"`
	Interval         string `gorm:"size:8"`
	HistoryExhausted bool
	UpdatedAt        time.Time
}

func (seriesStateModel) TableName() string { return "series_states" }

type syncRunModel struct {
	ID             string `gorm:"primaryKey;size:36"`
	SeriesKey      string `gorm:"index;size:64"`
	Status         string `gorm:"size:16"`
	EstimatedTotal int64
	Fetched        int64
	Gaps           datatypes.JSON
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

func (syncRunModel) TableName() string { return "sync_runs" }

// Run is a read-only view of one sync run.
type Run struct {
	ID             string          `json:"id"`
	Series         string          `json:"series"`
	Status         string          `json:"status"`
	EstimatedTotal int64           `json:"estimated_total"`
	Fetched        int64           `json:"fetched"`
	Gaps           json.RawMessage `json:"gaps"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Ledger is backed by sqlite through gorm. The exhausted set is mirrored in
// memory because gap detection consults it on every series activation.
type Ledger struct {
	db *gorm.DB

	mu        sync.RWMutex
	exhausted map[string]bool
}

func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&seriesStateModel{}, &syncRunModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	l := &Ledger{db: db, exhausted: make(map[string]bool)}
	var states []seriesStateModel
	if err := db.Where("history_exhausted = ?", true).Find(&states).Error; err != nil {
		return nil, err
	}
	for _, st := range states {
		l.exhausted[st.SeriesKey] = true
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exhausted reports whether a previous backfill reached the start of the
// exchange's history for id.
func (l *Ledger) Exhausted(id market.SeriesID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exhausted[id.Key()]
}

func (l *Ledger) MarkExhausted(id market.SeriesID) {
	l.setExhausted(id, true)
}

// ResetHistory forgets the exhausted flag so the next detection probes
// older history again.
func (l *Ledger) ResetHistory(id market.SeriesID) {
	l.setExhausted(id, false)
}

func (l *Ledger) setExhausted(id market.SeriesID, v bool) {
	l.mu.Lock()
	if v {
		l.exhausted[id.Key()] = true
	} else {
		delete(l.exhausted, id.Key())
	}
	l.mu.Unlock()
	row := seriesStateModel{
		SeriesKey:        id.Key(),
		Symbol:           id.Symbol,
		Interval:         id.Interval,
		HistoryExhausted: v,
		UpdatedAt:        time.Now(),
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "series_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"history_exhausted", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		logger.For("ledger").Errorf("persist history flag for %s failed: %v", id, err)
	}
}

// BeginRun records the start of a sync run. gaps is stored as JSON.
func (l *Ledger) BeginRun(ctx context.Context, runID string, id market.SeriesID, gaps any, estimated int64) error {
	raw, err := json.Marshal(gaps)
	if err != nil {
		return fmt.Errorf("encode gaps: %w", err)
	}
	row := syncRunModel{
		ID:             runID,
		SeriesKey:      id.Key(),
		Status:         RunStatusRunning,
		EstimatedTotal: estimated,
		Gaps:           datatypes.JSON(raw),
		StartedAt:      time.Now(),
	}
	return l.db.WithContext(ctx).Create(&row).Error
}

// FinishRun closes a run with its final status.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string, fetched int64, runErr error) error {
	now := time.Now()
	updates := map[string]any{
		"status":      status,
		"fetched":     fetched,
		"finished_at": &now,
		"error":       "",
	}
	if runErr != nil {
		updates["error"] = runErr.Error()
	}
	res := l.db.WithContext(ctx).Model(&syncRunModel{}).Where("id = ?", runID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Runs lists the newest runs, optionally for one series.
func (l *Ledger) Runs(ctx context.Context, id *market.SeriesID, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := l.db.WithContext(ctx).Order("started_at desc").Limit(limit)
	if id != nil {
		q = q.Where("series_key = ?", id.Key())
	}
	var rows []syncRunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

// Run returns one run by id.
func (l *Ledger) Run(ctx context.Context, runID string) (Run, error) {
	var row syncRunModel
	err := l.db.WithContext(ctx).Where("id = ?", runID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return Run{}, err
	}
	return row.toRun(), nil
}

func (r syncRunModel) toRun() Run {
	return Run{
		ID:             r.ID,
		Series:         r.SeriesKey,
		Status:         r.Status,
		EstimatedTotal: r.EstimatedTotal,
		Fetched:        r.Fetched,
		Gaps:           json.RawMessage(r.Gaps),
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
