package policy

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReasoningEntry is one learned lesson from a human override, stored
// append-only.
type ReasoningEntry struct {
	ID            uint      `json:"-" gorm:"primaryKey"`
	EntryID       string    `json:"entry_id" gorm:"uniqueIndex;size:64"`
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
	OverrideType  string    `json:"override_type" gorm:"index;size:64"`
	OldValue      float64   `json:"old_value"`
	NewValue      float64   `json:"new_value"`
	Rationale     string    `json:"human_rationale,omitempty"`
	ExtractedRule string    `json:"extracted_rule,omitempty"`
	Confidence    float64   `json:"confidence_score"`
	LoanID        string    `json:"loan_id,omitempty" gorm:"size:64"`
	Industry      string    `json:"industry,omitempty" gorm:"size:128"`
}

// TableName keeps the historical table name used by earlier deployments.
func (ReasoningEntry) TableName() string {
	return "reasoning_bank"
}

// Pattern summarizes a cluster of similar overrides.
type Pattern struct {
	OverrideType  string  `json:"override_type"`
	Occurrences   int     `json:"occurrences"`
	AverageChange float64 `json:"average_change"`
}

// ReasoningBank persists learned lessons in SQLite so policy evolution
// survives restarts.
type ReasoningBank struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenReasoningBank opens (or creates) the bank database at path and runs
// migrations.
func OpenReasoningBank(path string, log *zap.Logger) (*ReasoningBank, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open reasoning bank %s: %w", path, err)
	}
	if err := db.AutoMigrate(&ReasoningEntry{}); err != nil {
		return nil, fmt.Errorf("migrate reasoning bank: %w", err)
	}
	return &ReasoningBank{db: db, logger: log}, nil
}

// Append stores a new entry. Entries are never updated or deleted.
func (b *ReasoningBank) Append(entry *ReasoningEntry) error {
	if err := b.db.Create(entry).Error; err != nil {
		return fmt.Errorf("append reasoning entry: %w", err)
	}
	b.logger.Info("Appended reasoning bank entry",
		zap.String("entry_id", entry.EntryID),
		zap.String("override_type", entry.OverrideType))
	return nil
}

// ByType returns all entries of one override type, oldest first.
func (b *ReasoningBank) ByType(overrideType string) ([]ReasoningEntry, error) {
	var entries []ReasoningEntry
	err := b.db.Where("override_type = ?", overrideType).
		Order("timestamp asc").
		Find(&entries).Error
	return entries, err
}

// Recent returns the newest entries, most recent first.
func (b *ReasoningBank) Recent(limit int) ([]ReasoningEntry, error) {
	var entries []ReasoningEntry
	err := b.db.Order("timestamp desc").Limit(limit).Find(&entries).Error
	return entries, err
}

// All returns every entry, oldest first.
func (b *ReasoningBank) All() ([]ReasoningEntry, error) {
	var entries []ReasoningEntry
	err := b.db.Order("timestamp asc").Find(&entries).Error
	return entries, err
}

// DetectPatterns groups entries by override type and reports groups with at
// least minOccurrences members together with their average value change.
func (b *ReasoningBank) DetectPatterns(minOccurrences int) ([]Pattern, error) {
	entries, err := b.All()
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]ReasoningEntry)
	for _, e := range entries {
		groups[e.OverrideType] = append(groups[e.OverrideType], e)
	}

	var patterns []Pattern
	for overrideType, group := range groups {
		if len(group) < minOccurrences {
			continue
		}
		var total float64
		for _, e := range group {
			total += e.NewValue - e.OldValue
		}
		patterns = append(patterns, Pattern{
			OverrideType:  overrideType,
			Occurrences:   len(group),
			AverageChange: total / float64(len(group)),
		})
	}

	b.logger.Info("Detected reasoning bank patterns", zap.Int("patterns", len(patterns)))
	return patterns, nil
}
