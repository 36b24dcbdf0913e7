package relayqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRequestTableName = "relayqueue_requests"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists the write queue in a Postgres table ordered by
// a BIGSERIAL index, so insertion order survives restarts and is shared
// across client instances pointing at the same DSN.
type PostgresStore struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (DurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRequestTableName,
		queueKey:  postgresQueueKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				idx BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				command_id TEXT NOT NULL,
				name TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_queue_key_idx_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, idx)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Append(entry QueueEntry) (uint64, error) {
	if strings.TrimSpace(entry.Name) == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, command_id, name, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING idx`, postgresQuoteIdentifier(s.tableName))
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	var index uint64
	if err := s.db.QueryRowContext(ctx, query, s.queueKey, entry.ID, entry.Name, string(payload), enqueuedAt).Scan(&index); err != nil {
		return 0, err
	}
	return index, nil
}

func (s *PostgresStore) ReadAll() ([]QueueEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT idx, command_id, name, payload, enqueued_at
		FROM %s WHERE queue_key = $1 ORDER BY idx ASC`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var entry QueueEntry
		var payload string
		if err := rows.Scan(&entry.Index, &entry.ID, &entry.Name, &payload, &entry.EnqueuedAt); err != nil {
			return nil, err
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &entry.Data); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Remove(index uint64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND idx = $2", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, s.queueKey, index)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.queueKey)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
