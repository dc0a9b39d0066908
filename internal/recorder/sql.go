package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionRow is the persisted form of a session.
type SessionRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Room            string `gorm:"size:128;index"`
	Channel         string `gorm:"size:16"`
	AgentName       string `gorm:"size:128"`
	Status          string `gorm:"size:16;index"`
	Reason          string `gorm:"size:64"`
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds float64
	CostUSD         float64
	CallerNumber    string `gorm:"size:32"`
	CalledNumber    string `gorm:"size:32"`
	TurnCount       int
	Turns           string `gorm:"type:text"`
	Usage           string `gorm:"type:text"`
}

// TableName pins the table name.
func (SessionRow) TableName() string { return "sessions" }

// SQL stores session rows through GORM.
type SQL struct {
	db *gorm.DB
}

func dialector(cfg SQLConfig) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "", "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported recorder sql dialect: %q", cfg.Dialect)
	}
}

// OpenSQL connects to the configured database and migrates the schema.
func OpenSQL(cfg SQLConfig) (*SQL, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open recorder database: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open database and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("recorder database is required")
	}
	if err := db.AutoMigrate(&SessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) OnSessionStart(ctx context.Context, sess conversation.Session) error {
	row := SessionRow{
		ID:           sess.ID,
		Room:         sess.Room,
		Channel:      string(sess.Channel),
		AgentName:    sess.Agent.Name,
		StartedAt:    sess.StartedAt.UTC(),
		CallerNumber: sess.CallerNumber,
		CalledNumber: sess.CalledNumber,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQL) OnSessionEnd(ctx context.Context, sum conversation.SessionSummary) error {
	turns, err := json.Marshal(sum.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	usage, err := json.Marshal(sum.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	ended := sum.EndedAt.UTC()
	row := SessionRow{
		ID:              sum.SessionID,
		Room:            sum.Room,
		Channel:         string(sum.Channel),
		AgentName:       sum.AgentName,
		Status:          string(sum.Status),
		Reason:          sum.Reason,
		StartedAt:       sum.StartedAt.UTC(),
		EndedAt:         &ended,
		DurationSeconds: sum.Duration.Seconds(),
		CostUSD:         sum.TotalCost,
		CallerNumber:    sum.CallerNumber,
		CalledNumber:    sum.CalledNumber,
		TurnCount:       len(sum.Turns),
		Turns:           string(turns),
		Usage:           string(usage),
	}
	// Save upserts, so a missing start row does not lose the summary.
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session %s: %w", sum.SessionID, err)
	}
	return nil
}

// Get loads one row.
func (s *SQL) Get(ctx context.Context, id string) (SessionRow, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return row, nil
}

// Recent lists the most recently started sessions.
func (s *SQL) Recent(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []SessionRow
	if err := s.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
