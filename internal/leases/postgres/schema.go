package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mix_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	epoch BIGINT NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
