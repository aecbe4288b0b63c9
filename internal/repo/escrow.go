package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"freelanco/internal/domain"
)

func (r Repo) InsertGig(ctx context.Context, tx *sql.Tx, g domain.Gig) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO gigs(owner, uri, created_at) VALUES (?,?,?)`, g.Owner, nullable(g.URI), g.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetGig(ctx context.Context, tx *sql.Tx, id int64) (domain.Gig, error) {
	var g domain.Gig
	var uri sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, owner, uri, created_at FROM gigs WHERE id=?`, id).
		Scan(&g.ID, &g.Owner, &uri, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Gig{}, ErrNotFound
	}
	if err != nil {
		return domain.Gig{}, err
	}
	g.URI = uri.String
	return g, nil
}

const offerColumns = `id, gig_id, client, freelancer, terms, amount, state, released_to, released_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (domain.Offer, error) {
	var o domain.Offer
	var releasedTo, releasedAt sql.NullString
	if err := row.Scan(&o.ID, &o.GigID, &o.Client, &o.Freelancer, &o.Terms, &o.Amount, &o.State,
		&releasedTo, &releasedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Offer{}, err
	}
	o.ReleasedTo = stringPtr(releasedTo)
	o.ReleasedAt = stringPtr(releasedAt)
	return o, nil
}

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO offers(gig_id, client, freelancer, terms, amount, state, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`, o.GigID, o.Client, o.Freelancer, o.Terms, o.Amount, o.State, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOffer(ctx context.Context, tx *sql.Tx, id int64) (domain.Offer, error) {
	o, err := scanOffer(r.q(tx).QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Offer{}, ErrNotFound
	}
	return o, err
}

// UpdateOffer persists the mutable offer fields.
func (r Repo) UpdateOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE offers SET state=?, released_to=?, released_at=?, updated_at=? WHERE id=?`,
		o.State, nullableStringPtr(o.ReleasedTo), nullableStringPtr(o.ReleasedAt), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OfferFilters struct {
	Party string
	State string
	Limit int
}

func (r Repo) ListOffers(ctx context.Context, f OfferFilters) ([]domain.Offer, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Party != "" {
		clauses = append(clauses, "(client=? OR freelancer=?)")
		args = append(args, f.Party, f.Party)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE %s ORDER BY id DESC LIMIT ?`, offerColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UnreleasedOfferAmounts lists amounts still held in escrow.
func (r Repo) UnreleasedOfferAmounts(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT amount FROM offers WHERE released_at IS NULL AND state IN ('proposed','approved','disputed')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, err
		}
		res = append(res, amount)
	}
	return res, rows.Err()
}

const disputeColumns = `id, offer_id, raised_by, reason, proposal_id, targets_json, calldatas_json, description, status, winner, created_at, resolved_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var targets, calldatas string
	var winner, resolvedAt sql.NullString
	if err := row.Scan(&d.ID, &d.OfferID, &d.RaisedBy, &d.Reason, &d.ProposalID, &targets, &calldatas,
		&d.Description, &d.Status, &winner, &d.CreatedAt, &resolvedAt); err != nil {
		return domain.Dispute{}, err
	}
	var err error
	if d.Targets, err = decodeList(targets); err != nil {
		return domain.Dispute{}, err
	}
	if d.Calldatas, err = decodeList(calldatas); err != nil {
		return domain.Dispute{}, err
	}
	d.Winner = stringPtr(winner)
	d.ResolvedAt = stringPtr(resolvedAt)
	return d, nil
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO disputes(offer_id, raised_by, reason, proposal_id, targets_json, calldatas_json, description, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`, d.OfferID, d.RaisedBy, d.Reason, d.ProposalID, encodeList(d.Targets), encodeList(d.Calldatas),
		d.Description, d.Status, d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDispute(ctx context.Context, tx *sql.Tx, id int64) (domain.Dispute, error) {
	d, err := scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Dispute{}, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDisputeByProposal(ctx context.Context, tx *sql.Tx, proposalID string) (domain.Dispute, error) {
	d, err := scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE proposal_id=?`, proposalID))
	if err == sql.ErrNoRows {
		return domain.Dispute{}, ErrNotFound
	}
	return d, err
}

// LatestDisputeForOffer returns the most recent dispute raised on an offer.
func (r Repo) LatestDisputeForOffer(ctx context.Context, tx *sql.Tx, offerID int64) (domain.Dispute, error) {
	d, err := scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE offer_id=? ORDER BY id DESC LIMIT 1`, offerID))
	if err == sql.ErrNoRows {
		return domain.Dispute{}, ErrNotFound
	}
	return d, err
}

// UpdateDispute persists status, winner and resolution time.
func (r Repo) UpdateDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE disputes SET status=?, winner=?, resolved_at=? WHERE id=?`,
		d.Status, nullableStringPtr(d.Winner), nullableStringPtr(d.ResolvedAt), d.ID)
	return err
}

func (r Repo) InsertBoost(ctx context.Context, tx *sql.Tx, b domain.Boost) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO boosts(freelancer, tier, amount, created_at) VALUES (?,?,?,?)`,
		b.Freelancer, b.Tier, b.Amount, b.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListBoosts(ctx context.Context, freelancer string) ([]domain.Boost, error) {
	query := `SELECT id, freelancer, tier, amount, created_at FROM boosts`
	var args []any
	if freelancer != "" {
		query += ` WHERE freelancer=?`
		args = append(args, freelancer)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Boost
	for rows.Next() {
		var b domain.Boost
		if err := rows.Scan(&b.ID, &b.Freelancer, &b.Tier, &b.Amount, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CountDisputesForOffer returns how many disputes were ever raised on an offer.
func (r Repo) CountDisputesForOffer(ctx context.Context, tx *sql.Tx, offerID int64) (int64, error) {
	var n int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE offer_id=?`, offerID).Scan(&n)
	return n, err
}
