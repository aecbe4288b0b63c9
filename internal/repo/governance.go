package repo

import (
	"context"
	"database/sql"
	"fmt"

	"freelanco/internal/domain"
)

const proposalColumns = `id, kind, proposer, targets_json, values_json, calldatas_json, description, description_hash,
	created_at_block, voting_delay_ends, voting_period_ends, quorum, eta, queued, executed, canceled,
	for_votes, against_votes, abstain_votes, pending_compute_request_id, created_at`

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var targets, values, calldatas string
	var eta sql.NullInt64
	var pending sql.NullString
	if err := row.Scan(&p.ID, &p.Kind, &p.Proposer, &targets, &values, &calldatas, &p.Description, &p.DescriptionHash,
		&p.CreatedAtBlock, &p.VotingDelayEnds, &p.VotingPeriodEnds, &p.Quorum, &eta, &p.Queued, &p.Executed, &p.Canceled,
		&p.Tally.For, &p.Tally.Against, &p.Tally.Abstain, &pending, &p.CreatedAt); err != nil {
		return domain.Proposal{}, err
	}
	var err error
	if p.Targets, err = decodeList(targets); err != nil {
		return domain.Proposal{}, err
	}
	if p.Values, err = decodeList(values); err != nil {
		return domain.Proposal{}, err
	}
	if p.Calldatas, err = decodeList(calldatas); err != nil {
		return domain.Proposal{}, err
	}
	p.ETA = int64Ptr(eta)
	p.PendingComputeRequestID = stringPtr(pending)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id, kind, proposer, targets_json, values_json, calldatas_json, description,
		description_hash, created_at_block, voting_delay_ends, voting_period_ends, quorum, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Kind, p.Proposer, encodeList(p.Targets), encodeList(p.Values), encodeList(p.Calldatas), p.Description,
		p.DescriptionHash, p.CreatedAtBlock, p.VotingDelayEnds, p.VotingPeriodEnds, p.Quorum, p.CreatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	p, err := scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Proposal{}, ErrNotFound
	}
	return p, err
}

// UpdateProposalLifecycle persists timelock and terminal flags.
func (r Repo) UpdateProposalLifecycle(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET eta=?, queued=?, executed=?, canceled=?, pending_compute_request_id=? WHERE id=?`,
		nullableInt64Ptr(p.ETA), p.Queued, p.Executed, p.Canceled, nullableStringPtr(p.PendingComputeRequestID), p.ID)
	return err
}

// AddToTally increments the tally column for support by weight.
func (r Repo) AddToTally(ctx context.Context, tx *sql.Tx, proposalID string, support int, weight int64) error {
	var column string
	switch support {
	case domain.VoteAgainst:
		column = "against_votes"
	case domain.VoteFor:
		column = "for_votes"
	case domain.VoteAbstain:
		column = "abstain_votes"
	default:
		return fmt.Errorf("invalid support %d", support)
	}
	_, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE proposals SET %s=%s+? WHERE id=?`, column, column), weight, proposalID)
	return err
}

type ProposalFilters struct {
	Kind  string
	Limit int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if f.Kind != "" {
		query += ` WHERE kind=?`
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at_block DESC, created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountProposals returns how many proposals of kind exist.
func (r Repo) CountProposals(ctx context.Context, tx *sql.Tx, kind string) (int64, error) {
	var n int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE kind=?`, kind).Scan(&n)
	return n, err
}

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO votes(proposal_id, voter, support, weight, reason, source, block, created_at)
		VALUES (?,?,?,?,?,?,?,?)`, v.ProposalID, v.Voter, v.Support, v.Weight, nullable(v.Reason), v.Source, v.Block, v.CreatedAt)
	return err
}

// HasVoted reports whether voter already voted on proposalID.
func (r Repo) HasVoted(ctx context.Context, tx *sql.Tx, proposalID, voter string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE proposal_id=? AND voter=?`, proposalID, voter).Scan(&n)
	return n > 0, err
}

func (r Repo) ListVotes(ctx context.Context, proposalID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id, voter, support, weight, COALESCE(reason,''), source, block, created_at
		FROM votes WHERE proposal_id=? ORDER BY block, created_at, voter`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ProposalID, &v.Voter, &v.Support, &v.Weight, &v.Reason, &v.Source, &v.Block, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
