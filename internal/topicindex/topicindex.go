// Package topicindex persists a per-(recording, topic, receiveTime)
// index of record offsets learned from prior backfills, so a repeat
// lookup at the same or a nearby time can skip the decoder's own
// reverse scan entirely.
package topicindex

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// Store is a sqlite-backed ports.TopicIndex.
type Store struct {
	db *sql.DB
}

var _ ports.TopicIndex = (*Store)(nil)

// Open opens (creating if needed) a sqlite database at path and ensures
// its schema exists. Use ":memory:" for a process-local index.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("topicindex: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("topicindex: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS topic_records (
		recording_id TEXT NOT NULL,
		topic        TEXT NOT NULL,
		receive_sec  INTEGER NOT NULL,
		receive_nsec INTEGER NOT NULL,
		offset       INTEGER NOT NULL,
		length       INTEGER NOT NULL,
		PRIMARY KEY (recording_id, topic, receive_sec, receive_nsec)
	)`)
	if err != nil {
		return fmt.Errorf("topicindex: creating schema: %w", err)
	}
	return nil
}

// Lookup returns the latest indexed record for topic with
// ReceiveTime <= at, or ok=false if nothing is indexed at or before at.
func (s *Store) Lookup(ctx context.Context, recordingID, topic string, at domain.Time) (ports.IndexedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT receive_sec, receive_nsec, offset, length FROM topic_records
		WHERE recording_id = ? AND topic = ?
		  AND (receive_sec < ? OR (receive_sec = ? AND receive_nsec <= ?))
		ORDER BY receive_sec DESC, receive_nsec DESC
		LIMIT 1`,
		recordingID, topic, at.Sec, at.Sec, at.Nsec,
	)
	var rec ports.IndexedRecord
	if err := row.Scan(&rec.ReceiveTime.Sec, &rec.ReceiveTime.Nsec, &rec.Offset, &rec.Length); err != nil {
		if err == sql.ErrNoRows {
			return ports.IndexedRecord{}, false, nil
		}
		return ports.IndexedRecord{}, false, fmt.Errorf("topicindex: lookup: %w", err)
	}
	return rec, true, nil
}

// Record stores one (topic, receiveTime) -> record entry.
func (s *Store) Record(ctx context.Context, recordingID, topic string, at domain.Time, rec ports.IndexedRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_records (recording_id, topic, receive_sec, receive_nsec, offset, length)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(recording_id, topic, receive_sec, receive_nsec) DO UPDATE SET
			offset=excluded.offset, length=excluded.length`,
		recordingID, topic, at.Sec, at.Nsec, rec.Offset, rec.Length,
	)
	if err != nil {
		return fmt.Errorf("topicindex: record: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
