package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenSQLiteMigratesAndRecordsLedger(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "tidepool_test.db")

	db, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationBackfillDocumentTimestamps).Count(&count).Error; err != nil {
		t.Fatalf("count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected migration recorded once, got %d", count)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), fmt.Sprintf("tidepool_%d.db", time.Now().UnixNano()))

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := OpenSQLite(databasePath, nil); err != nil {
			t.Fatalf("open attempt %d: %v", attempt, err)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatal("expected empty path rejected")
	}
}
