package database

import (
	"fmt"
	"os"
	"path/filepath"

	"scribe/internal/config"
)

// JournalFileName is the journal's file name inside the data directory.
const JournalFileName = "journal.db"

// NewJournalFromConfig creates the local journal selected by the database
// config type.
func NewJournalFromConfig(cfg config.DatabaseConfig) (*SQLiteJournal, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite journal")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteJournal(filepath.Join(cfg.DataDir, JournalFileName))
	case "memory":
		return NewSQLiteJournal(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
