package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teslashibe/go-habla/pkg/history"
)

// turnRow is one row of formatted_conversation_turns.
type turnRow struct {
	ID             string    `gorm:"primaryKey;size:255"`
	SessionID      string    `gorm:"index;size:255;not null"`
	Text           string    `gorm:"not null"`
	TurnType       string    `gorm:"size:64;not null"`
	Timestamp      time.Time `gorm:"index;not null"`
	LanguageCode   string    `gorm:"size:32;not null"`
	Actor          string    `gorm:"size:32;not null"`
	OriginalItemID *string   `gorm:"size:255"`
}

func (turnRow) TableName() string { return "formatted_conversation_turns" }

func turnRowFromRecord(r history.Record) turnRow {
	row := turnRow{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Text:         r.Text,
		TurnType:     string(r.TurnType),
		Timestamp:    r.Timestamp.UTC(),
		LanguageCode: r.LanguageCode,
		Actor:        string(r.Actor),
	}
	if r.OriginalItemID != "" {
		id := r.OriginalItemID
		row.OriginalItemID = &id
	}
	return row
}

func (r turnRow) toRecord() history.Record {
	rec := history.Record{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Text:         r.Text,
		TurnType:     history.TurnType(r.TurnType),
		Timestamp:    r.Timestamp.UTC(),
		LanguageCode: r.LanguageCode,
		Actor:        history.Actor(r.Actor),
	}
	if r.OriginalItemID != nil {
		rec.OriginalItemID = *r.OriginalItemID
	}
	return rec
}

// summaryRow is one row of conversation_summaries.
type summaryRow struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"index;size:255;not null"`
	SummaryText     string    `gorm:"not null"`
	DetectedActions string    `gorm:"not null;default:'[]'"`
	CreatedAt       time.Time `gorm:"index"`
}

func (summaryRow) TableName() string { return "conversation_summaries" }

// GormStore implements turn and summary persistence.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &GormStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&turnRow{}, &summaryRow{})
}

// SaveTurn inserts a turn; an existing id is left untouched.
func (s *GormStore) SaveTurn(ctx context.Context, rec history.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	row := turnRowFromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// ErrInvalidRecord indicates a turn or summary missing required fields.
var ErrInvalidRecord = errors.New("store: invalid record")

func validateRecord(r history.Record) error {
	fields := []struct{ name, value string }{
		{"id", r.ID},
		{"session_id", r.SessionID},
		{"text", r.Text},
		{"turn_type", string(r.TurnType)},
		{"language_code", r.LanguageCode},
		{"actor", string(r.Actor)},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	return nil
}

// Turns returns the turns of a session ordered by timestamp.
func (s *GormStore) Turns(ctx context.Context, sessionID string) ([]history.Record, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]history.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// SaveSummary appends a summary for a session.
func (s *GormStore) SaveSummary(ctx context.Context, sum history.Summary) error {
	if strings.TrimSpace(sum.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidRecord)
	}
	actions := sum.DetectedActions
	if actions == nil {
		actions = []string{}
	}
	encoded, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode detected actions: %w", err)
	}
	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	row := summaryRow{
		SessionID:       sum.SessionID,
		SummaryText:     sum.SummaryText,
		DetectedActions: string(encoded),
		CreatedAt:       created.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LatestSummary returns the newest summary of a session, or
// history.ErrNotFound.
func (s *GormStore) LatestSummary(ctx context.Context, sessionID string) (history.Summary, error) {
	var row summaryRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return history.Summary{}, history.ErrNotFound
		}
		return history.Summary{}, fmt.Errorf("get summary: %w", err)
	}

	var actions []string
	if row.DetectedActions != "" {
		if err := json.Unmarshal([]byte(row.DetectedActions), &actions); err != nil {
			return history.Summary{}, fmt.Errorf("decode detected actions: %w", err)
		}
	}
	return history.Summary{
		SessionID:       row.SessionID,
		SummaryText:     row.SummaryText,
		DetectedActions: actions,
		CreatedAt:       row.CreatedAt.UTC(),
	}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
