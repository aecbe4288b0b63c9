package repo

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"freelanco/internal/domain"
)

// GetChainState returns the block counter and the chain time offset in seconds.
func (r Repo) GetChainState(ctx context.Context, tx *sql.Tx) (block int64, offset int64, err error) {
	err = r.q(tx).QueryRowContext(ctx, `SELECT block, time_offset FROM chain_state WHERE id=1`).Scan(&block, &offset)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	return block, offset, err
}

// AdvanceChain adds blocks and seconds to the chain state.
func (r Repo) AdvanceChain(ctx context.Context, tx *sql.Tx, blocks, seconds int64) error {
	if blocks < 0 || seconds < 0 {
		return fmt.Errorf("invalid chain advance: blocks and seconds must be >= 0")
	}
	_, err := r.q(tx).ExecContext(ctx, `UPDATE chain_state SET block=block+?, time_offset=time_offset+? WHERE id=1`, blocks, seconds)
	return err
}

// GetBalance returns the wallet balance of address, zero when unknown.
func (r Repo) GetBalance(ctx context.Context, tx *sql.Tx, address string) (*big.Int, error) {
	var raw string
	err := r.q(tx).QueryRowContext(ctx, `SELECT balance FROM balances WHERE address=?`, address).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseWei(raw)
}

func (r Repo) SetBalance(ctx context.Context, tx *sql.Tx, address string, balance *big.Int) error {
	if balance.Sign() < 0 {
		return fmt.Errorf("negative balance for %s", address)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO balances(address, balance) VALUES (?,?)
		ON CONFLICT(address) DO UPDATE SET balance=excluded.balance`, address, balance.String())
	return err
}

func (r Repo) ListBalances(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT address, balance FROM balances ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.Address, &w.Balance); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// GetReputation returns the score of holder, zero when unknown.
func (r Repo) GetReputation(ctx context.Context, tx *sql.Tx, holder string) (int64, error) {
	var score int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT score FROM reputation WHERE holder=?`, holder).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return score, err
}

func (r Repo) SetReputation(ctx context.Context, tx *sql.Tx, holder string, score int64, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reputation(holder, score, updated_at) VALUES (?,?,?)
		ON CONFLICT(holder) DO UPDATE SET score=excluded.score, updated_at=excluded.updated_at`, holder, score, updatedAt)
	return err
}
