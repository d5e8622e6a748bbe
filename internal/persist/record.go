package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"noesis/internal/store"
)

// RecordFileName is the well-known per-project transaction record, kept for
// external collaborators. Overwritten in place on each mutation, which is
// safe only because writers are serialized by the single-open-transaction
// invariant; the SQLite row behind the partial unique index stays
// authoritative.
const RecordFileName = "transaction.json"

// ProjectRecord is the wire shape of the per-project transaction record.
type ProjectRecord struct {
	TransactionID       string   `json:"transaction_id"`
	ProjectPath         string   `json:"project_path"`
	PreflightSessionID  string   `json:"preflight_session_id"`
	PreflightTimestamp  float64  `json:"preflight_timestamp"`
	Status              string   `json:"status"`
	Sessions            []string `json:"sessions"`
	UpdatedAt           float64  `json:"updated_at"`
	PostflightTimestamp *float64 `json:"postflight_timestamp"`
	PostflightSessionID *string  `json:"postflight_session_id"`
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// RecordFromTransaction projects a stored transaction onto the wire record.
func RecordFromTransaction(t *store.Transaction, projectPath string) ProjectRecord {
	rec := ProjectRecord{
		TransactionID:      t.ID,
		ProjectPath:        projectPath,
		PreflightSessionID: t.OpenedBySession,
		PreflightTimestamp: unixFloat(t.OpenedAt),
		Status:             t.Status,
		Sessions:           append([]string(nil), t.Sessions...),
		UpdatedAt:          unixFloat(t.UpdatedAt),
	}
	if !t.ClosedAt.IsZero() {
		ts := unixFloat(t.ClosedAt)
		rec.PostflightTimestamp = &ts
	}
	if t.ClosedBySession != "" {
		sid := t.ClosedBySession
		rec.PostflightSessionID = &sid
	}
	return rec
}

// WriteProjectRecord replaces the record file atomically (write-temp, rename).
func WriteProjectRecord(path string, rec ProjectRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// ReadProjectRecord loads the per-project record.
func ReadProjectRecord(path string) (ProjectRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProjectRecord{}, fmt.Errorf("read record: %w", err)
	}
	var rec ProjectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ProjectRecord{}, fmt.Errorf("parse record: %w", err)
	}
	return rec, nil
}
