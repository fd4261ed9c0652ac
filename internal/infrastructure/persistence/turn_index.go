// Package persistence provides an optional sqlite index of turn metadata.
// The authoritative record is turns.jsonl in the run directory; the index
// exists so the panel (and anything else) can query history without
// scanning the log.
package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// TurnRecord is the indexed subset of a turn. Images and full stories stay
// in the run dir; the index keeps what a history view needs.
type TurnRecord struct {
	Seq              int64     `gorm:"primaryKey" json:"seq"`
	TSStart          time.Time `json:"ts_start"`
	TSEnd            time.Time `json:"ts_end"`
	VLMText          string    `json:"vlm_text"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyTotalMS   int64     `json:"latency_total_ms"`
	ExecutedCount    int       `json:"executed_count"`
	PlannedCount     int       `json:"planned_count"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ImageRef         string    `json:"image_ref,omitempty"`
}

// TableName keeps the table name stable regardless of gorm pluralization.
func (TurnRecord) TableName() string { return "turns" }

// TurnIndex wraps the sqlite database for one run.
type TurnIndex struct {
	db *gorm.DB
}

// OpenTurnIndex opens (creating if needed) the turn index at path.
func OpenTurnIndex(path string) (*TurnIndex, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open turn index: %w", err)
	}
	if err := db.AutoMigrate(&TurnRecord{}); err != nil {
		return nil, fmt.Errorf("migrate turn index: %w", err)
	}
	return &TurnIndex{db: db}, nil
}

// IndexTurn inserts the turn's metadata row. Implements runstore.Indexer.
func (ix *TurnIndex) IndexTurn(t *entity.Turn) error {
	rec := &TurnRecord{
		Seq:              t.Seq,
		TSStart:          t.TSStart,
		TSEnd:            t.TSEnd,
		VLMText:          t.VLMText,
		Model:            t.Usage.Model,
		PromptTokens:     t.Usage.PromptTokens,
		CompletionTokens: t.Usage.CompletionTokens,
		LatencyTotalMS:   t.LatencyMS.Total,
		ExecutedCount:    len(t.Executed),
		PlannedCount:     len(t.ToolCallsOut),
		ImageRef:         t.AnnotatedImageRef,
	}
	if len(t.Errors) > 0 {
		rec.ErrorKind = t.Errors[len(t.Errors)-1]
	}
	return ix.db.Create(rec).Error
}

// Recent returns up to limit most recent turn records in seq order.
func (ix *TurnIndex) Recent(limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []TurnRecord
	err := ix.db.Order("seq DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	// Flip to ascending seq for the caller.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Count returns the number of indexed turns.
func (ix *TurnIndex) Count() (int64, error) {
	var n int64
	err := ix.db.Model(&TurnRecord{}).Count(&n).Error
	return n, err
}

// Close releases the underlying database handle.
func (ix *TurnIndex) Close() error {
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
