package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore appends one immutable row per checkpoint. It runs on the
// raw connection rather than the ORM: the table is insert-only and the
// duplicate-key handling is explicit.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS document_snapshots (
			document_id VARCHAR(36) NOT NULL,
			revision    BIGINT UNSIGNED NOT NULL,
			content     LONGTEXT,
			created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (document_id, revision)
		)`)
	return err
}

// SaveDocumentSnapshot is idempotent per (document, revision): replaying a
// checkpoint for an already-recorded revision is not an error.
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, revision uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content) VALUES (?, ?, ?)`,
		docID, revision, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
