package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// DocumentStore upserts ingested documents keyed by URL.
type DocumentStore struct {
	pool  Pool
	table string
}

// NewDocumentStore builds a DocumentStore over pool.
func NewDocumentStore(pool Pool, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultDocumentTable)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: pool, table: name}, nil
}

// Upsert writes doc. Optional metadata that is NULL in doc keeps the stored value.
func (s *DocumentStore) Upsert(ctx context.Context, doc crawler.Document) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s
	(url, fetched_at, title, description, body_text, content_type, http_status,
	 content_hash, lang, etag, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (url) DO UPDATE SET
	fetched_at    = EXCLUDED.fetched_at,
	title         = COALESCE(EXCLUDED.title, %[1]s.title),
	description   = COALESCE(EXCLUDED.description, %[1]s.description),
	body_text     = EXCLUDED.body_text,
	content_type  = COALESCE(EXCLUDED.content_type, %[1]s.content_type),
	http_status   = EXCLUDED.http_status,
	content_hash  = COALESCE(EXCLUDED.content_hash, %[1]s.content_hash),
	lang          = COALESCE(EXCLUDED.lang, %[1]s.lang),
	etag          = COALESCE(EXCLUDED.etag, %[1]s.etag),
	last_modified = COALESCE(EXCLUDED.last_modified, %[1]s.last_modified),
	updated_at    = now()`, s.table)

	args := []any{
		doc.URL,
		doc.FetchedAt.UTC(),
		doc.Title,
		doc.Description,
		doc.BodyText,
		doc.ContentType,
		doc.HTTPStatus,
		doc.ContentHash,
		doc.Lang,
		doc.ETag,
		doc.LastModified,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.URL, err)
	}
	return nil
}

// Validators returns the stored conditional-GET validators and content hash for url.
// A URL that was never stored yields empty validators.
func (s *DocumentStore) Validators(ctx context.Context, url string) (crawler.Validators, error) {
	query := fmt.Sprintf(`
SELECT COALESCE(etag, ''), COALESCE(last_modified, ''), COALESCE(content_hash, '')
FROM %s WHERE url = $1`, s.table)

	var etag, lastModified, hash string
	err := s.pool.QueryRow(ctx, query, url).Scan(&etag, &lastModified, &hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return crawler.Validators{}, nil
	case err != nil:
		return crawler.Validators{}, fmt.Errorf("load validators %s: %w", url, err)
	}
	return crawler.Validators{
		ETag:         nonEmpty(etag),
		LastModified: nonEmpty(lastModified),
		ContentHash:  nonEmpty(hash),
	}, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
