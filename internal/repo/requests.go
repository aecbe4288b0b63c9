package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"freelanco/internal/domain"
)

func (r Repo) InsertCredential(ctx context.Context, tx *sql.Tx, c domain.Credential) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO credentials(owner, tier, request_id, minted_at) VALUES (?,?,?,?)`,
		c.Owner, c.Tier, c.RequestID, c.MintedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListCredentials returns credentials, optionally filtered by owner.
func (r Repo) ListCredentials(ctx context.Context, tx *sql.Tx, owner string) ([]domain.Credential, error) {
	query := `SELECT id, owner, tier, request_id, minted_at FROM credentials`
	var args []any
	if owner != "" {
		query += ` WHERE owner=?`
		args = append(args, owner)
	}
	query += ` ORDER BY id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.Owner, &c.Tier, &c.RequestID, &c.MintedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCredentialsByTier returns minted credential counts keyed by tier.
func (r Repo) CountCredentialsByTier(ctx context.Context, tx *sql.Tx) (map[int]int64, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT tier, COUNT(*) FROM credentials GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]int64{}
	for rows.Next() {
		var tier int
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		res[tier] = n
	}
	return res, rows.Err()
}

func (r Repo) InsertRandomnessRequest(ctx context.Context, tx *sql.Tx, req domain.RandomnessRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO randomness_requests(id, requester, payment, status, created_at) VALUES (?,?,?,?,?)`,
		req.ID, req.Requester, req.Payment, req.Status, req.CreatedAt)
	return err
}

func (r Repo) GetRandomnessRequest(ctx context.Context, tx *sql.Tx, id string) (domain.RandomnessRequest, error) {
	var req domain.RandomnessRequest
	var credID sql.NullInt64
	var fulfilledAt sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, requester, payment, status, credential_id, created_at, fulfilled_at
		FROM randomness_requests WHERE id=?`, id).
		Scan(&req.ID, &req.Requester, &req.Payment, &req.Status, &credID, &req.CreatedAt, &fulfilledAt)
	if err == sql.ErrNoRows {
		return domain.RandomnessRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.RandomnessRequest{}, err
	}
	req.CredentialID = int64Ptr(credID)
	req.FulfilledAt = stringPtr(fulfilledAt)
	return req, nil
}

func (r Repo) CompleteRandomnessRequest(ctx context.Context, tx *sql.Tx, id string, credentialID int64, fulfilledAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE randomness_requests SET status=?, credential_id=?, fulfilled_at=? WHERE id=? AND status=?`,
		domain.RequestFulfilled, credentialID, fulfilledAt, id, domain.RequestSent)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("randomness request %s: %w", id, domain.ErrRequestNotPending)
	}
	return nil
}

const computeColumns = `id, proposal_id, consumer, source, secrets_hex, args_json, subscription_id, gas_limit, status,
	result_hex, error_text, requested_at, fulfilled_at`

func scanComputeRequest(row rowScanner) (domain.ComputeRequest, error) {
	var c domain.ComputeRequest
	var secrets, result, errText sql.NullString
	var args string
	var fulfilledAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.ProposalID, &c.Consumer, &c.Source, &secrets, &args, &c.SubscriptionID, &c.GasLimit,
		&c.Status, &result, &errText, &c.RequestedAt, &fulfilledAt); err != nil {
		return domain.ComputeRequest{}, err
	}
	if err := json.Unmarshal([]byte(args), &c.Args); err != nil {
		return domain.ComputeRequest{}, fmt.Errorf("decode compute args: %w", err)
	}
	c.Secrets = secrets.String
	c.Result = result.String
	c.Error = errText.String
	c.FulfilledAt = int64Ptr(fulfilledAt)
	return c, nil
}

func (r Repo) InsertComputeRequest(ctx context.Context, tx *sql.Tx, c domain.ComputeRequest) error {
	args := encodeList(c.Args)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO compute_requests(id, proposal_id, consumer, source, secrets_hex, args_json,
		subscription_id, gas_limit, status, requested_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProposalID, c.Consumer, c.Source, nullable(c.Secrets), args, c.SubscriptionID, c.GasLimit, c.Status, c.RequestedAt)
	return err
}

func (r Repo) GetComputeRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ComputeRequest, error) {
	c, err := scanComputeRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+computeColumns+` FROM compute_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.ComputeRequest{}, ErrNotFound
	}
	return c, err
}

// CloseComputeRequest moves a sent request to a final status. It fails with
// ErrRequestNotPending when the request was already closed.
func (r Repo) CloseComputeRequest(ctx context.Context, tx *sql.Tx, c domain.ComputeRequest) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE compute_requests SET status=?, result_hex=?, error_text=?, fulfilled_at=?
		WHERE id=? AND status=?`, c.Status, nullable(c.Result), nullable(c.Error), nullableInt64Ptr(c.FulfilledAt), c.ID, domain.RequestSent)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("compute request %s: %w", c.ID, domain.ErrRequestNotPending)
	}
	return nil
}

// ListComputeRequests returns requests for a proposal, optionally by status.
func (r Repo) ListComputeRequests(ctx context.Context, tx *sql.Tx, proposalID, status string) ([]domain.ComputeRequest, error) {
	query := `SELECT ` + computeColumns + ` FROM compute_requests WHERE proposal_id=?`
	args := []any{proposalID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY requested_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComputeRequest
	for rows.Next() {
		c, err := scanComputeRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
