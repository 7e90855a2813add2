// Package historystore is the historical OHLCV store. Every row is
// keyed by environment so demo and live candles never mix. SQLite
// backs local runs and backtests; a postgres:// DATABASE_URL switches
// drivers.
package historystore

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/tradecore/internal/types"
)

// Candle is the stored bar row. The composite unique index makes
// upserts idempotent: replaying a fetch window is always safe.
type Candle struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Env       string          `gorm:"index:idx_candle_key,unique;size:8"`
	Symbol    string          `gorm:"index:idx_candle_key,unique;size:32"`
	Timeframe string          `gorm:"index:idx_candle_key,unique;size:8"`
	TsOpen    time.Time       `gorm:"index:idx_candle_key,unique"`
	TsClose   time.Time       `gorm:"index"`
	Open      decimal.Decimal `gorm:"type:decimal(24,8)"`
	High      decimal.Decimal `gorm:"type:decimal(24,8)"`
	Low       decimal.Decimal `gorm:"type:decimal(24,8)"`
	Close     decimal.Decimal `gorm:"type:decimal(24,8)"`
	Volume    decimal.Decimal `gorm:"type:decimal(24,8)"`
	CreatedAt time.Time
}

// Range summarizes the stored coverage for one (symbol, timeframe).
type Range struct {
	Symbol    string
	Timeframe string
	First     time.Time
	Last      time.Time
	Count     int64
}

// Store wraps the gorm handle. Write locks are process-local; open
// read-only for concurrent backtest readers.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates. A "postgres://" or "postgresql://" URL
// selects the postgres driver; anything else is a sqlite path.
// readOnly opens sqlite in ro mode so multiple backtest processes can
// share one file.
func Open(databaseURL string, readOnly bool) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialector = postgres.Open(databaseURL)
	} else {
		dsn := databaseURL
		if readOnly {
			dsn += "?mode=ro"
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("historystore: opening %s: %w", databaseURL, err)
	}
	if !readOnly {
		if err := db.AutoMigrate(&Candle{}); err != nil {
			return nil, fmt.Errorf("historystore: migrating: %w", err)
		}
	}
	log.Info().Str("database", databaseURL).Bool("read_only", readOnly).Msg("historystore: connected")
	return &Store{db: db}, nil
}

// UpsertCandle inserts or replaces one bar. Retrying the same bar is
// a no-op on the key and an update on the values.
func (s *Store) UpsertCandle(env types.Env, symbol string, tf types.Timeframe, bar types.Bar) error {
	row := Candle{
		Env:       string(env),
		Symbol:    symbol,
		Timeframe: string(tf),
		TsOpen:    bar.TsOpen,
		TsClose:   bar.TsClose,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "env"}, {Name: "symbol"}, {Name: "timeframe"}, {Name: "ts_open"}},
		DoUpdates: clause.AssignmentColumns([]string{"ts_close", "open", "high", "low", "close", "volume"}),
	}).Create(&row).Error
}

// GetOHLCV returns bars in [start, end) ordered by ts_open ascending.
func (s *Store) GetOHLCV(env types.Env, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	var rows []Candle
	err := s.db.
		Where("env = ? AND symbol = ? AND timeframe = ? AND ts_open >= ? AND ts_open < ?",
			string(env), symbol, string(tf), start, end).
		Order("ts_open asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("historystore: querying %s %s: %w", symbol, tf, err)
	}
	return toBars(rows), nil
}

// GetLatestOHLCV returns the most recent limit bars, oldest first.
func (s *Store) GetLatestOHLCV(env types.Env, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	var rows []Candle
	err := s.db.
		Where("env = ? AND symbol = ? AND timeframe = ?", string(env), symbol, string(tf)).
		Order("ts_open desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("historystore: querying latest %s %s: %w", symbol, tf, err)
	}
	// Reverse to ascending.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return toBars(rows), nil
}

// GetSymbolTimeframeRanges reports stored coverage per (symbol, tf)
// within env.
func (s *Store) GetSymbolTimeframeRanges(env types.Env) ([]Range, error) {
	var out []Range
	err := s.db.Model(&Candle{}).
		Select("symbol, timeframe, MIN(ts_open) as first, MAX(ts_open) as last, COUNT(*) as count").
		Where("env = ?", string(env)).
		Group("symbol, timeframe").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("historystore: ranges: %w", err)
	}
	return out, nil
}

func toBars(rows []Candle) []types.Bar {
	bars := make([]types.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, types.Bar{
			TsOpen:  r.TsOpen,
			TsClose: r.TsClose,
			Open:    r.Open,
			High:    r.High,
			Low:     r.Low,
			Close:   r.Close,
			Volume:  r.Volume,
		})
	}
	return bars
}
