package postgres

// The primary key on (resource_type, resource_id) is what arbitrates concurrent creators.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS lock_tokens (
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	token TEXT NOT NULL CONSTRAINT lock_tokens_token_key UNIQUE,
	acquired_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (resource_type, resource_id)
);

CREATE INDEX IF NOT EXISTS lock_tokens_acquired_at_idx ON lock_tokens (acquired_at);
`
