// Package storage is MCPHub's persistence layer, narrowed to a single
// concern: the audit log of dispatched tool calls.
// Grounded on the teacher's internal/storage (bbolt.go's database-open
// recovery dance, manager.go's bucket-per-concern layout, activity.go's
// activity-record shape), with every other teacher concern — OAuth token
// storage, quarantine state, server identity fingerprints, async
// operation tracking — dropped because spec.md §4.3 makes SettingsStore
// the sole persistence layer for everything except this audit trail (see
// DESIGN.md's internal/oauth section).
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const auditBucket = "audit_log"

// AuditRecord is one entry in the audit trail: a dispatched tool call.
// Grounded on the teacher's ActivityRecord, narrowed to the fields
// MCPHub's dispatcher can actually populate (no policy-engine or quarantine fields, since those
// components don't exist in SPEC_FULL.md).
type AuditRecord struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	User       string    `json:"user,omitempty"`
	Scope      string    `json:"scope"`
	ServerName string    `json:"serverName,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	Method     string    `json:"method"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// AuditStore is a bbolt-backed append-and-query log. Its one writer is
// the RequestDispatcher's audit sink (cmd/mcphub's auditSink), which
// appends one record per dispatched tools/call; writes are serialized by
// bbolt's own transaction lock. SessionManager does not append to it.
type AuditStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the audit database at
// <dataDir>/audit.db, grounded on the teacher's NewBoltDB.
func Open(dataDir string, logger *zap.Logger) (*AuditStore, error) {
	dbPath := filepath.Join(dataDir, "audit.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(auditBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init audit bucket: %w", err)
	}

	return &AuditStore{db: db, logger: logger}, nil
}

func (s *AuditStore) Close() error { return s.db.Close() }

// Append writes one record, assigning it a monotonically increasing id
// (bbolt's NextSequence) so Query can page in insertion order without
// parsing timestamps.
func (s *AuditStore) Append(rec AuditRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(auditBucket))
		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("storage: next sequence: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: marshal audit record: %w", err)
		}
		return bucket.Put(idKey(id), data)
	})
}

// AuditFilter narrows Query's result set. Zero values mean "no
// restriction" for that field.
type AuditFilter struct {
	SessionID  string
	ServerName string
	Since      time.Time
	Limit      int
}

// Query returns matching records, most recent first, up to filter.Limit
// (0 means unbounded).
func (s *AuditStore) Query(filter AuditFilter) ([]AuditRecord, error) {
	var out []AuditRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(auditBucket))
		c := bucket.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("storage: skipping malformed audit record", zap.Error(err))
				continue
			}
			if filter.SessionID != "" && rec.SessionID != filter.SessionID {
				continue
			}
			if filter.ServerName != "" && rec.ServerName != filter.ServerName {
				continue
			}
			if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
				continue
			}
			out = append(out, rec)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	return out, nil
}

// Count returns the total number of audit records stored.
func (s *AuditStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(auditBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
