package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("mix/postgres: invalid config")

const requestColumns = `
	id, chain, token,
	original_amount::text, fee::text, amount::text,
	sender_address, recipient_address,
	deposit_address, deposit_wallet, deposit_tx_hash,
	status, total_hops, current_hop, current_wallet, delay_minutes, next_hop_at,
	error_message, completed_at, stranded_reported_at, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("mix/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, r mix.Request) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Status != mix.StatusPendingDeposit || r.CurrentHop != 0 || len(r.Hops) != 0 {
		return fmt.Errorf("%w: new request must be pending_deposit at hop 0", mix.ErrInvalidRequest)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO mix_requests (
			id, chain, token,
			original_amount, fee, amount,
			sender_address, recipient_address,
			deposit_address, deposit_wallet,
			status, total_hops, current_hop, current_wallet, delay_minutes,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7,$8,$9,$10,$11,$12,0,$13,$14,now(),now())
	`,
		r.ID, string(r.Chain), r.Token,
		r.OriginalAmount.String(), r.Fee.String(), r.Amount.String(),
		r.SenderAddress, r.RecipientAddress,
		r.DepositAddress, int32(r.DepositWallet),
		int16(mix.StatusPendingDeposit), int32(r.TotalHops), nullInt(r.CurrentWallet), int32(r.DelayMinutes),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return mix.ErrAlreadyExists
		}
		return fmt.Errorf("mix/postgres: insert request: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.get(ctx, s.pool, id)
}

func (s *Store) ConfirmDeposit(ctx context.Context, id string, txHash string, nextHopAt time.Time) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" || nextHopAt.IsZero() {
		return mix.Request{}, fmt.Errorf("%w: missing deposit tx or next hop time", mix.ErrInvalidRequest)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE mix_requests
		SET status = $2,
			deposit_tx_hash = $3,
			next_hop_at = $4,
			updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, int16(mix.StatusDeposited), txHash, nextHopAt.UTC(), int16(mix.StatusPendingDeposit))
	if err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: confirm deposit: %w", err)
	}

	cur, err := s.get(ctx, s.pool, id)
	if err != nil {
		return mix.Request{}, err
	}
	if tag.RowsAffected() == 1 {
		return cur, nil
	}
	if cur.Status == mix.StatusDeposited && cur.DepositTxHash == txHash {
		return cur, nil
	}
	return mix.Request{}, fmt.Errorf("%w: confirm deposit from %s", mix.ErrInvalidTransition, cur.Status)
}

func (s *Store) ClaimDue(ctx context.Context, owner string, ttl time.Duration, max int) ([]mix.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" || ttl <= 0 || max <= 0 {
		return nil, mix.ErrInvalidConfig
	}

	rows, err := s.pool.Query(ctx, `
		WITH cte AS (
			SELECT id
			FROM mix_requests
			WHERE status IN ($4, $5)
				AND next_hop_at IS NOT NULL
				AND next_hop_at <= now()
				AND (claimed_by IS NULL OR claim_expires_at <= now())
			ORDER BY next_hop_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE mix_requests mr
		SET claimed_by = $2,
			claim_expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		FROM cte
		WHERE mr.id = cte.id
		RETURNING mr.id
	`, max, owner, ttl.Milliseconds(), int16(mix.StatusDeposited), int16(mix.StatusMixing))
	if err != nil {
		return nil, fmt.Errorf("mix/postgres: claim due: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("mix/postgres: claim due rows: %w", err)
	}

	out := make([]mix.Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.get(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ExtendClaim(ctx context.Context, owner string, id string, expectedHop int, ttl time.Duration) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" || ttl <= 0 {
		return mix.Request{}, mix.ErrInvalidConfig
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE mix_requests
		SET claim_expires_at = now() + ($4::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE id = $1
			AND claimed_by = $2
			AND claim_expires_at > now()
			AND current_hop = $3
			AND status IN ($5, $6)
	`, id, owner, int32(expectedHop), ttl.Milliseconds(), int16(mix.StatusDeposited), int16(mix.StatusMixing))
	if err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: extend claim: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return mix.Request{}, s.guardFailure(ctx, s.pool, id)
	}
	return s.get(ctx, s.pool, id)
}

func (s *Store) RecordHop(ctx context.Context, owner string, id string, expectedHop int, out mix.HopOutcome) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" {
		return mix.Request{}, mix.ErrInvalidConfig
	}
	if out.Hop.Number != expectedHop+1 {
		return mix.Request{}, fmt.Errorf("%w: hop number %d after hop %d", mix.ErrInvalidRequest, out.Hop.Number, expectedHop)
	}
	if out.Hop.TxRef == "" {
		return mix.Request{}, fmt.Errorf("%w: missing tx ref", mix.ErrInvalidRequest)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var executedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE mix_requests
		SET current_hop = $4,
			status = CASE WHEN $4 = total_hops THEN $7::smallint ELSE $8::smallint END,
			current_wallet = CASE WHEN $4 = total_hops THEN NULL ELSE $5::integer END,
			next_hop_at = CASE WHEN $4 = total_hops THEN NULL ELSE $6::timestamptz END,
			completed_at = CASE WHEN $4 = total_hops THEN now() ELSE NULL END,
			claimed_by = NULL,
			claim_expires_at = NULL,
			updated_at = now()
		WHERE id = $1
			AND claimed_by = $2
			AND claim_expires_at > now()
			AND current_hop = $3
			AND status IN ($9, $10)
		RETURNING updated_at
	`,
		id, owner, int32(expectedHop), int32(out.Hop.Number),
		nullInt(out.NextWallet), nullTime(out.NextHopAt),
		int16(mix.StatusCompleted), int16(mix.StatusMixing),
		int16(mix.StatusDeposited), int16(mix.StatusMixing),
	).Scan(&executedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mix.Request{}, s.guardFailure(ctx, tx, id)
		}
		return mix.Request{}, fmt.Errorf("mix/postgres: record hop: %w", err)
	}
	if !out.Hop.ExecutedAt.IsZero() {
		executedAt = out.Hop.ExecutedAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO mix_hops (request_id, hop_number, from_wallet, to_wallet, to_address, tx_ref, fee_tx_ref, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		id, int32(out.Hop.Number), int32(out.Hop.FromWallet), nullInt(out.Hop.ToWallet),
		out.Hop.ToAddress, out.Hop.TxRef, nullString(out.Hop.FeeTxRef), executedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return mix.Request{}, fmt.Errorf("%w: hop %d already recorded", mix.ErrClaimLost, out.Hop.Number)
		}
		return mix.Request{}, fmt.Errorf("mix/postgres: insert hop: %w", err)
	}

	r, err := s.get(ctx, tx, id)
	if err != nil {
		return mix.Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: commit: %w", err)
	}
	return r, nil
}

func (s *Store) MarkFailed(ctx context.Context, owner string, id string, expectedHop int, msg string) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" {
		return mix.Request{}, mix.ErrInvalidConfig
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE mix_requests
		SET status = $4,
			error_message = $5,
			next_hop_at = NULL,
			claimed_by = NULL,
			claim_expires_at = NULL,
			updated_at = now()
		WHERE id = $1
			AND claimed_by = $2
			AND claim_expires_at > now()
			AND current_hop = $3
			AND status IN ($6, $7)
	`, id, owner, int32(expectedHop), int16(mix.StatusFailed), msg, int16(mix.StatusDeposited), int16(mix.StatusMixing))
	if err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return mix.Request{}, s.guardFailure(ctx, s.pool, id)
	}
	return s.get(ctx, s.pool, id)
}

func (s *Store) ListByStatus(ctx context.Context, status mix.Status, after mix.Cursor, limit int) ([]mix.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, mix.ErrInvalidConfig
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM mix_requests
		WHERE status = $1
			AND ($3::timestamptz IS NULL OR (created_at, id) > ($3::timestamptz, $4::text))
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, int16(status), limit, nullTime(after.CreatedAt), after.ID)
	if err != nil {
		return nil, fmt.Errorf("mix/postgres: list by status: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("mix/postgres: list by status rows: %w", err)
	}

	out := make([]mix.Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.get(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) MarkStrandedReported(ctx context.Context, id string, at time.Time) (mix.Request, error) {
	if s == nil || s.pool == nil {
		return mix.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if at.IsZero() {
		return mix.Request{}, fmt.Errorf("%w: missing report time", mix.ErrInvalidRequest)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE mix_requests
		SET stranded_reported_at = $2
		WHERE id = $1 AND status = $3 AND stranded_reported_at IS NULL
	`, id, at.UTC(), int16(mix.StatusFailed))
	if err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: mark stranded reported: %w", err)
	}
	r, err := s.get(ctx, s.pool, id)
	if err != nil {
		return mix.Request{}, err
	}
	if r.Status != mix.StatusFailed {
		return mix.Request{}, fmt.Errorf("%w: report stranded from %s", mix.ErrInvalidTransition, r.Status)
	}
	return r, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) get(ctx context.Context, q querier, id string) (mix.Request, error) {
	var (
		r                    mix.Request
		chain                string
		origRaw, feeRaw, amt string
		depositWallet        int32
		depositTx            *string
		status               int16
		totalHops, curHop    int32
		curWallet            *int32
		delay                int32
		nextHopAt            *time.Time
		errMsg               *string
		completedAt          *time.Time
		reportedAt           *time.Time
	)
	err := q.QueryRow(ctx, `SELECT `+requestColumns+` FROM mix_requests WHERE id = $1`, id).Scan(
		&r.ID, &chain, &r.Token,
		&origRaw, &feeRaw, &amt,
		&r.SenderAddress, &r.RecipientAddress,
		&r.DepositAddress, &depositWallet, &depositTx,
		&status, &totalHops, &curHop, &curWallet, &delay, &nextHopAt,
		&errMsg, &completedAt, &reportedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mix.Request{}, mix.ErrNotFound
		}
		return mix.Request{}, fmt.Errorf("mix/postgres: get request: %w", err)
	}

	r.Chain = mix.Chain(chain)
	if r.OriginalAmount, err = decimal.NewFromString(origRaw); err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: parse original amount: %w", err)
	}
	if r.Fee, err = decimal.NewFromString(feeRaw); err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: parse fee: %w", err)
	}
	if r.Amount, err = decimal.NewFromString(amt); err != nil {
		return mix.Request{}, fmt.Errorf("mix/postgres: parse amount: %w", err)
	}
	r.DepositWallet = int(depositWallet)
	r.DepositTxHash = deref(depositTx)
	r.Status = mix.Status(status)
	r.TotalHops = int(totalHops)
	r.CurrentHop = int(curHop)
	if curWallet != nil {
		r.CurrentWallet = int(*curWallet)
	}
	r.DelayMinutes = int(delay)
	if nextHopAt != nil {
		r.NextHopAt = *nextHopAt
	}
	r.ErrorMessage = deref(errMsg)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if reportedAt != nil {
		r.StrandedReportedAt = *reportedAt
	}

	hops, err := s.hops(ctx, q, id)
	if err != nil {
		return mix.Request{}, err
	}
	r.Hops = hops
	return r, nil
}

func (s *Store) hops(ctx context.Context, q querier, id string) ([]mix.Hop, error) {
	rows, err := q.Query(ctx, `
		SELECT hop_number, from_wallet, to_wallet, to_address, tx_ref, fee_tx_ref, executed_at
		FROM mix_hops
		WHERE request_id = $1
		ORDER BY hop_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("mix/postgres: list hops: %w", err)
	}
	defer rows.Close()

	var out []mix.Hop
	for rows.Next() {
		var (
			h         mix.Hop
			num, from int32
			to        *int32
			feeTx     *string
		)
		if err := rows.Scan(&num, &from, &to, &h.ToAddress, &h.TxRef, &feeTx, &h.ExecutedAt); err != nil {
			return nil, fmt.Errorf("mix/postgres: scan hop: %w", err)
		}
		h.Number = int(num)
		h.FromWallet = int(from)
		if to != nil {
			h.ToWallet = int(*to)
		}
		h.FeeTxRef = deref(feeTx)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mix/postgres: hop rows: %w", err)
	}
	return out, nil
}

// guardFailure explains why a claim-guarded update matched no row.
func (s *Store) guardFailure(ctx context.Context, q querier, id string) error {
	var status int16
	err := q.QueryRow(ctx, `SELECT status FROM mix_requests WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mix.ErrNotFound
		}
		return fmt.Errorf("mix/postgres: guard lookup: %w", err)
	}
	if mix.Status(status).Terminal() {
		return fmt.Errorf("%w: request is %s", mix.ErrInvalidTransition, mix.Status(status))
	}
	return mix.ErrClaimLost
}

func nullInt(v int) *int32 {
	if v == 0 {
		return nil
	}
	n := int32(v)
	return &n
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
