package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mix_requests (
	id TEXT PRIMARY KEY,
	chain TEXT NOT NULL,
	token TEXT NOT NULL,

	original_amount NUMERIC NOT NULL,
	fee NUMERIC NOT NULL,
	amount NUMERIC NOT NULL,

	sender_address TEXT NOT NULL,
	recipient_address TEXT NOT NULL,

	deposit_address TEXT NOT NULL,
	deposit_wallet INTEGER NOT NULL,
	deposit_tx_hash TEXT,

	status SMALLINT NOT NULL,
	total_hops INTEGER NOT NULL,
	current_hop INTEGER NOT NULL DEFAULT 0,
	current_wallet INTEGER,
	delay_minutes INTEGER NOT NULL,
	next_hop_at TIMESTAMPTZ,

	error_message TEXT,
	completed_at TIMESTAMPTZ,
	stranded_reported_at TIMESTAMPTZ,

	claimed_by TEXT,
	claim_expires_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT chain_known CHECK (chain IN ('ethereum', 'solana')),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT fee_nonneg CHECK (fee >= 0),
	CONSTRAINT amount_plus_fee CHECK (amount + fee = original_amount),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 5),
	CONSTRAINT total_hops_positive CHECK (total_hops > 0),
	CONSTRAINT current_hop_range CHECK (current_hop >= 0 AND current_hop <= total_hops),
	CONSTRAINT delay_nonneg CHECK (delay_minutes >= 0),
	CONSTRAINT deposit_tx_nonempty CHECK (deposit_tx_hash IS NULL OR deposit_tx_hash <> ''),
	CONSTRAINT claim_owner_nonempty CHECK (claimed_by IS NULL OR claimed_by <> '')
);

ALTER TABLE mix_requests ADD COLUMN IF NOT EXISTS stranded_reported_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS mix_requests_status_created_idx ON mix_requests (status, created_at, id);
CREATE INDEX IF NOT EXISTS mix_requests_due_idx ON mix_requests (status, next_hop_at);
CREATE INDEX IF NOT EXISTS mix_requests_claim_idx ON mix_requests (claim_expires_at);

CREATE TABLE IF NOT EXISTS mix_hops (
	request_id TEXT NOT NULL REFERENCES mix_requests(id),
	hop_number INTEGER NOT NULL,
	from_wallet INTEGER NOT NULL,
	to_wallet INTEGER,
	to_address TEXT NOT NULL,
	tx_ref TEXT NOT NULL,
	fee_tx_ref TEXT,
	executed_at TIMESTAMPTZ NOT NULL,

	PRIMARY KEY (request_id, hop_number),

	CONSTRAINT hop_number_positive CHECK (hop_number >= 1),
	CONSTRAINT tx_ref_nonempty CHECK (tx_ref <> '')
);

CREATE OR REPLACE FUNCTION mix_hops_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'mix_hops is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS mix_hops_append_only_trg ON mix_hops;
CREATE TRIGGER mix_hops_append_only_trg
	BEFORE UPDATE OR DELETE ON mix_hops
	FOR EACH ROW EXECUTE FUNCTION mix_hops_append_only();
`
