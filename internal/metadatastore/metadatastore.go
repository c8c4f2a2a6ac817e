// Package metadatastore persists ImageRecords and the
// per-kind version counters' audit trail in Postgres via pgx/v5. It
// implements internal/cas.MetadataRepo so the Content-Address Store depends
// only on that narrow interface, following an "explicit dependency
// containers, no ambient global mutable state" redesign. Grounded in
// core/pkg/database's facade shape (interface + concrete struct,
// context-scoped calls, cursor pagination) but issuing raw SQL through
// pgxpool rather than gorm: this module's go.mod lists jackc/pgx/v5 and no
// ORM.
package metadatastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parkvision/visionsvc/internal/cas"
)

// Store is the Postgres-backed metadata repository.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadatastore: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS image_records (
	image_hash      TEXT PRIMARY KEY,
	perceptual_hash TEXT NOT NULL DEFAULT '',
	filename        TEXT NOT NULL,
	size_bytes      BIGINT NOT NULL,
	mime_type       TEXT NOT NULL,
	blob_url        TEXT NOT NULL,
	width           INT NOT NULL DEFAULT 0,
	height          INT NOT NULL DEFAULT 0,
	upload_time     TIMESTAMPTZ NOT NULL,
	tombstoned      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_image_records_phash ON image_records (perceptual_hash);
CREATE INDEX IF NOT EXISTS idx_image_records_upload_time ON image_records (upload_time DESC);

CREATE TABLE IF NOT EXISTS version_audit (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	old_version INT NOT NULL,
	new_version INT NOT NULL,
	bumped_at   TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("metadatastore: migrate: %w", err)
	}
	return nil
}

// Get implements cas.MetadataRepo. It returns (nil, nil) on a miss so the
// CAS can distinguish "no record" from a transport failure.
func (s *Store) Get(ctx context.Context, imageHash string) (*cas.ImageRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT image_hash, perceptual_hash, filename, size_bytes, mime_type, blob_url, width, height, upload_time, tombstoned
FROM image_records WHERE image_hash = $1 AND NOT tombstoned`, imageHash)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("metadatastore: get %s: %w", imageHash, err)
	}
	return rec, nil
}

// Create implements cas.MetadataRepo.
func (s *Store) Create(ctx context.Context, rec cas.ImageRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO image_records (image_hash, perceptual_hash, filename, size_bytes, mime_type, blob_url, width, height, upload_time, tombstoned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
ON CONFLICT (image_hash) DO NOTHING`,
		rec.ImageHash, rec.PerceptualHash, rec.Filename, rec.SizeBytes, rec.MimeType, rec.BlobURL, rec.Width, rec.Height, rec.UploadTime)
	if err != nil {
		return fmt.Errorf("metadatastore: create %s: %w", rec.ImageHash, err)
	}
	return nil
}

// Delete implements cas.MetadataRepo. It tombstones the row rather than
// deleting it outright, matching the "blob_url is reachable iff the record
// is not tombstoned" invariant, while keeping the row for audit purposes.
func (s *Store) Delete(ctx context.Context, imageHash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE image_records SET tombstoned = TRUE WHERE image_hash = $1`, imageHash)
	if err != nil {
		return fmt.Errorf("metadatastore: delete %s: %w", imageHash, err)
	}
	return nil
}

// ShortlistByHashPrefix implements cas.MetadataRepo: it returns up to limit
// candidate records for FindSimilar's Hamming comparison. Comparing the
// first few hex characters of the perceptual hash buckets candidates without
// a full table scan, trading a small false-negative rate at the bucket edge
// for usability past toy data sizes (the Hamming distance check itself still
// runs in full over the shortlist).
func (s *Store) ShortlistByHashPrefix(ctx context.Context, perceptualHash string, limit int) ([]cas.ImageRecord, error) {
	prefix := perceptualHash
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	rows, err := s.pool.Query(ctx, `
SELECT image_hash, perceptual_hash, filename, size_bytes, mime_type, blob_url, width, height, upload_time, tombstoned
FROM image_records
WHERE NOT tombstoned AND perceptual_hash LIKE $1
LIMIT $2`, prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: shortlist: %w", err)
	}
	defer rows.Close()

	var out []cas.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("metadatastore: shortlist scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListPage is the ListImages result: a page of ImageRecord.
type ListPage struct {
	Records    []cas.ImageRecord
	NextCursor string
}

// ListFilter is the pagination + filter input for ListImages.
type ListFilter struct {
	AfterImageHash string
	Limit          int
	MimeType       string
	UploadedAfter  time.Time
}

// ListImages implements cursor-based pagination over non-tombstoned records,
// ordered by image_hash for a stable cursor.
func (s *Store) ListImages(ctx context.Context, f ListFilter) (*ListPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var (
		clauses []string
		args    []any
	)
	clauses = append(clauses, "NOT tombstoned")
	if f.AfterImageHash != "" {
		args = append(args, f.AfterImageHash)
		clauses = append(clauses, fmt.Sprintf("image_hash > $%d", len(args)))
	}
	if f.MimeType != "" {
		args = append(args, f.MimeType)
		clauses = append(clauses, fmt.Sprintf("mime_type = $%d", len(args)))
	}
	if !f.UploadedAfter.IsZero() {
		args = append(args, f.UploadedAfter)
		clauses = append(clauses, fmt.Sprintf("upload_time > $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT image_hash, perceptual_hash, filename, size_bytes, mime_type, blob_url, width, height, upload_time, tombstoned
FROM image_records
WHERE %s
ORDER BY image_hash
LIMIT $%d`, strings.Join(clauses, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list: %w", err)
	}
	defer rows.Close()

	var out []cas.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("metadatastore: list scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ListPage{Records: out}
	if len(out) == limit {
		page.NextCursor = out[len(out)-1].ImageHash
	}
	return page, nil
}

// RecordVersionBump writes the audit row for an "Admin
// version-bump audit" supplement.
func (s *Store) RecordVersionBump(ctx context.Context, kind string, oldVersion, newVersion int) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO version_audit (kind, old_version, new_version, bumped_at) VALUES ($1, $2, $3, $4)`,
		kind, oldVersion, newVersion, time.Now())
	if err != nil {
		return fmt.Errorf("metadatastore: record version bump: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*cas.ImageRecord, error) {
	var rec cas.ImageRecord
	if err := row.Scan(
		&rec.ImageHash, &rec.PerceptualHash, &rec.Filename, &rec.SizeBytes, &rec.MimeType,
		&rec.BlobURL, &rec.Width, &rec.Height, &rec.UploadTime, &rec.Tombstoned,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
