package postgres

import (
	"context"
	"fmt"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id             bigserial PRIMARY KEY,
  url            text UNIQUE NOT NULL,
  discovered_via text NOT NULL,
  priority       int NOT NULL DEFAULT 0,
  next_fetch_at  timestamptz NOT NULL DEFAULT now(),
  attempts       int NOT NULL DEFAULT 0,
  last_status    int,
  last_error     text,
  dead           boolean NOT NULL DEFAULT false,
  created_at     timestamptz NOT NULL DEFAULT now(),
  updated_at     timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_due
  ON %[1]s (dead, next_fetch_at, priority DESC);

CREATE TABLE IF NOT EXISTS %[2]s (
  id            bigserial PRIMARY KEY,
  url           text UNIQUE NOT NULL,
  fetched_at    timestamptz NOT NULL,
  title         text,
  description   text,
  body_text     text NOT NULL,
  content_type  text,
  http_status   int NOT NULL,
  content_hash  text,
  lang          text,
  etag          text,
  last_modified text,
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now()
);

ALTER TABLE %[2]s ADD COLUMN IF NOT EXISTS content_hash text;
ALTER TABLE %[2]s ADD COLUMN IF NOT EXISTS lang text;
ALTER TABLE %[2]s ADD COLUMN IF NOT EXISTS etag text;
ALTER TABLE %[2]s ADD COLUMN IF NOT EXISTS last_modified text;
ALTER TABLE %[2]s ADD COLUMN IF NOT EXISTS updated_at timestamptz NOT NULL DEFAULT now();

CREATE INDEX IF NOT EXISTS idx_%[2]s_fetched_at
  ON %[2]s (fetched_at DESC);
`

// EnsureSchema creates the queue and document tables when missing. It is
// safe to run repeatedly and upgrades document tables created without the
// validator columns.
func EnsureSchema(ctx context.Context, pool Pool, queueTable, documentTable string) error {
	queue, err := tableName(queueTable, DefaultQueueTable)
	if err != nil {
		return err
	}
	docs, err := tableName(documentTable, DefaultDocumentTable)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schemaTemplate, queue, docs)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
