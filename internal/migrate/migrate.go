// Package migrate owns the idempotent schema bootstrap for the relational
// tables (spec.md §3 / SPEC_FULL.md S5): documents, chat_sessions, and
// chat_messages. The vector table is bootstrapped separately by
// vectorstore.PostgresStore.EnsureCollection, since its shape depends on
// the configured embedding dimension.
package migrate

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/kbrag/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id                        uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id                   uuid NOT NULL,
	kb_id                     uuid NOT NULL,
	folder_id                 uuid,
	name                      text NOT NULL,
	content                   text NOT NULL DEFAULT '',
	kind                      text NOT NULL CHECK (kind IN ('note', 'uploaded', 'folder')),
	rag_index_task_uuid       uuid,
	rag_index_thread_id       text,
	rag_index_status          text NOT NULL DEFAULT 'pending'
	                          CHECK (rag_index_status IN ('pending', 'indexing', 'completed', 'failed', 'timeout')),
	rag_index_started_at      timestamptz,
	rag_index_completed_at    timestamptz,
	rag_index_error           text,
	created_at                timestamptz NOT NULL DEFAULT now(),
	updated_at                timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_user_kb_idx ON documents (user_id, kb_id);
CREATE INDEX IF NOT EXISTS documents_indexing_idx ON documents (rag_index_status, rag_index_started_at)
	WHERE rag_index_status = 'indexing';

CREATE TABLE IF NOT EXISTS chat_sessions (
	id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id    uuid NOT NULL,
	title      text NOT NULL DEFAULT '',
	kb_id      uuid,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chat_sessions_user_idx ON chat_sessions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id           uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	session_id   uuid NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role         text NOT NULL CHECK (role IN ('user', 'assistant')),
	content      text NOT NULL,
	content_type text NOT NULL DEFAULT 'content' CHECK (content_type IN ('content', 'thinking')),
	rag_context  text,
	rag_sources  jsonb,
	created_at   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (session_id, created_at, id);
`

// Run applies the relational schema bootstrap. It is safe to call on every
// process start.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "enable pgcrypto extension")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "apply relational schema")
	}
	return nil
}
