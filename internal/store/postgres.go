package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotation_snapshots (dataset_id, revision, fingerprint, commit_hash, payload, published_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING id
	`, rec.DatasetID, int64(rec.Revision), rec.Fingerprint, rec.CommitHash, string(rec.Payload), rec.PublishedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AttachCommit(ctx context.Context, snapshotID int64, commitHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE annotation_snapshots SET commit_hash=$2 WHERE id=$1`, snapshotID, commitHash)
	if err != nil {
		return fmt.Errorf("attach snapshot commit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestSnapshot returns the most recently published snapshot of a dataset
// including its payload.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, datasetID string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var revision int64
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, revision, fingerprint, commit_hash, payload, published_by, created_at
		FROM annotation_snapshots
		WHERE dataset_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, datasetID).Scan(&rec.ID, &rec.DatasetID, &revision, &rec.Fingerprint, &rec.CommitHash, &payload, &rec.PublishedBy, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	rec.Revision = uint64(revision)
	rec.Payload = payload
	return rec, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, datasetID string, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, revision, fingerprint, commit_hash, published_by, created_at
		FROM annotation_snapshots
		WHERE dataset_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, datasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]SnapshotRecord, 0)
	for rows.Next() {
		var rec SnapshotRecord
		var revision int64
		if err := rows.Scan(&rec.ID, &rec.DatasetID, &revision, &rec.Fingerprint, &rec.CommitHash, &rec.PublishedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Revision = uint64(revision)
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	var category sql.NullInt32
	if entry.CategoryIndex != nil {
		category = sql.NullInt32{Int32: int32(*entry.CategoryIndex), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_audit (dataset_id, revision, op, field_key, category_index, suggestion_id, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.DatasetID, int64(entry.Revision), entry.Op, entry.FieldKey, category, entry.SuggestionID, entry.Actor, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries of a dataset, optionally limited to
// one field.
func (s *PostgresStore) ListAudit(ctx context.Context, datasetID, fieldKey string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, revision, op, field_key, category_index, suggestion_id, actor, occurred_at
		FROM annotation_audit
		WHERE dataset_id=$1 AND ($2='' OR field_key=$2)
		ORDER BY revision DESC, id DESC
		LIMIT $3
	`, datasetID, fieldKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var revision int64
		var category sql.NullInt32
		if err := rows.Scan(
			&item.ID,
			&item.DatasetID,
			&revision,
			&item.Op,
			&item.FieldKey,
			&category,
			&item.SuggestionID,
			&item.Actor,
			&item.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		item.Revision = uint64(revision)
		if category.Valid {
			index := int(category.Int32)
			item.CategoryIndex = &index
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredRevocations removes revocations whose token has expired anyway.
func (s *PostgresStore) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge revocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
