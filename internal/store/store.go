// Package store persists marathon sessions, sampled metrics, and
// operational events to Postgres. The trading core writes only through
// the Recorder interface; running without a database is first-class via
// NopRecorder.
package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cryptoclaude/trading-core/internal/observ"
)

// Monetary values are serialized at 8 decimal places.
const moneyPrecision = 8

// Metric is one sampled measurement attached to a session.
type Metric struct {
	Name      string
	Timestamp time.Time
	Fields    map[string]any
}

// Event is one operational occurrence worth persisting.
type Event struct {
	Timestamp      time.Time
	EventType      string
	Severity       string
	Description    string
	Component      string
	RequiresAction bool
}

// Recorder is the only surface the core writes through.
type Recorder interface {
	RecordMetric(m Metric) error
	RecordEvent(ev Event) error
}

// NopRecorder discards everything; used when no DSN is configured.
type NopRecorder struct{}

func (NopRecorder) RecordMetric(Metric) error { return nil }
func (NopRecorder) RecordEvent(Event) error   { return nil }

// MarathonSession is one long-running evaluation window.
type MarathonSession struct {
	SessionID      string     `gorm:"primaryKey;column:session_id"`
	StartTime      time.Time  `gorm:"column:start_time"`
	EndTime        *time.Time `gorm:"column:end_time"`
	DurationHours  float64    `gorm:"column:duration_hours"`
	InitialCapital string     `gorm:"column:initial_capital"` // decimal, 8 dp
	FinalCapital   *string    `gorm:"column:final_capital"`
	TotalReturn    *float64   `gorm:"column:total_return"`
	MaxDrawdown    *float64   `gorm:"column:max_drawdown"`
	TotalTrades    int        `gorm:"column:total_trades"`
	TRSCompliant   bool       `gorm:"column:trs_compliant"`
}

func (MarathonSession) TableName() string { return "marathon_sessions" }

// MarathonMetric is one periodic sample within a session.
type MarathonMetric struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SessionID       string    `gorm:"column:session_id;index"`
	Timestamp       time.Time `gorm:"column:timestamp"`
	Phase           string    `gorm:"column:phase"`
	HealthScore     float64   `gorm:"column:health_score"`
	PortfolioValue  string    `gorm:"column:portfolio_value"` // decimal, 8 dp
	TotalReturn     float64   `gorm:"column:total_return"`
	CurrentDrawdown float64   `gorm:"column:current_drawdown"`
	VaR95           string    `gorm:"column:var_95"`
	ActivePositions int       `gorm:"column:active_positions"`
	CPUUsage        float64   `gorm:"column:cpu_usage"`
	MemoryUsage     float64   `gorm:"column:memory_usage"`
	ResponseTimeMs  int64     `gorm:"column:response_time_ms"`
}

func (MarathonMetric) TableName() string { return "marathon_metrics" }

// MarathonEvent is one persisted operational event.
type MarathonEvent struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	SessionID      string    `gorm:"column:session_id;index"`
	Timestamp      time.Time `gorm:"column:timestamp"`
	EventType      string    `gorm:"column:event_type"`
	Severity       string    `gorm:"column:severity"`
	Description    string    `gorm:"column:description"`
	Component      string    `gorm:"column:component"`
	RequiresAction bool      `gorm:"column:requires_action"`
}

func (MarathonEvent) TableName() string { return "marathon_events" }

// Store wraps the database handle and the active session.
type Store struct {
	db        *gorm.DB
	sessionID string
}

// Open connects to Postgres. The schema is owned here, not by callers.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the marathon tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&MarathonSession{}, &MarathonMetric{}, &MarathonEvent{})
}

// Money formats a monetary value at the canonical precision.
func Money(v float64) string {
	return decimal.NewFromFloat(v).Round(moneyPrecision).String()
}

// StartSession opens a new marathon session and makes it current.
func (s *Store) StartSession(sessionID string, start time.Time, durationHours, initialCapital float64) error {
	sess := MarathonSession{
		SessionID:      sessionID,
		StartTime:      start.UTC().Truncate(time.Second),
		DurationHours:  durationHours,
		InitialCapital: Money(initialCapital),
	}
	if err := s.db.Create(&sess).Error; err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.sessionID = sessionID
	return nil
}

// EndSession closes the current session with final figures.
func (s *Store) EndSession(end time.Time, finalCapital, totalReturn, maxDrawdown float64, totalTrades int, compliant bool) error {
	endUTC := end.UTC().Truncate(time.Second)
	final := Money(finalCapital)
	return s.db.Model(&MarathonSession{}).
		Where("session_id = ?", s.sessionID).
		Updates(map[string]any{
			"end_time":      &endUTC,
			"final_capital": &final,
			"total_return":  totalReturn,
			"max_drawdown":  maxDrawdown,
			"total_trades":  totalTrades,
			"trs_compliant": compliant,
		}).Error
}

// RecordMetric persists a sample. Known fields map onto the metric
// columns; unknown names are ignored rather than failed.
func (s *Store) RecordMetric(m Metric) error {
	row := MarathonMetric{
		SessionID: s.sessionID,
		Timestamp: m.Timestamp.UTC().Truncate(time.Second),
		Phase:     m.Name,
	}
	if v, ok := asFloat(m.Fields["portfolio_value"]); ok {
		row.PortfolioValue = Money(v)
	}
	if v, ok := asFloat(m.Fields["var_95"]); ok {
		row.VaR95 = Money(v)
	}
	if v, ok := asFloat(m.Fields["health_score"]); ok {
		row.HealthScore = v
	} else if v, ok := asFloat(m.Fields["risk_score"]); ok {
		// Health is the inverse of portfolio risk when not sampled directly.
		row.HealthScore = 100 - v
	}
	if v, ok := asFloat(m.Fields["total_return"]); ok {
		row.TotalReturn = v
	}
	if v, ok := asFloat(m.Fields["current_drawdown"]); ok {
		row.CurrentDrawdown = v
	}
	if v, ok := asFloat(m.Fields["active_positions"]); ok {
		row.ActivePositions = int(v)
	}
	if v, ok := asFloat(m.Fields["duration_ms"]); ok {
		row.ResponseTimeMs = int64(v)
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	observ.IncCounter("store_metrics_total", nil)
	return nil
}

// RecordEvent persists an operational event.
func (s *Store) RecordEvent(ev Event) error {
	row := MarathonEvent{
		SessionID:      s.sessionID,
		Timestamp:      ev.Timestamp.UTC().Truncate(time.Second),
		EventType:      ev.EventType,
		Severity:       ev.Severity,
		Description:    ev.Description,
		Component:      ev.Component,
		RequiresAction: ev.RequiresAction,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// RecentMetrics returns the newest n samples for the current session.
func (s *Store) RecentMetrics(n int) ([]MarathonMetric, error) {
	var out []MarathonMetric
	err := s.db.Where("session_id = ?", s.sessionID).
		Order("timestamp desc").Limit(n).Find(&out).Error
	return out, err
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
