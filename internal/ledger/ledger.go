// Package ledger holds the chain clock and native-currency wallets shared by
// every protocol component. All calls run inside the caller's transaction.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"freelanco/internal/domain"
	"freelanco/internal/repo"
)

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
	// BlockTime is the number of chain seconds each mined block adds.
	BlockTime int64
}

func (l Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Head returns the current block and chain time.
func (l Ledger) Head(ctx context.Context, tx *sql.Tx) (domain.Head, error) {
	block, offset, err := l.Repo.GetChainState(ctx, tx)
	if err != nil {
		return domain.Head{}, fmt.Errorf("read chain state: %w", err)
	}
	return domain.Head{Block: block, Time: l.now().Unix() + offset}, nil
}

// Mine advances the block counter, moving chain time by BlockTime per block.
func (l Ledger) Mine(ctx context.Context, tx *sql.Tx, blocks int64) (domain.Head, error) {
	if blocks <= 0 {
		return domain.Head{}, fmt.Errorf("invalid block count %d", blocks)
	}
	if err := l.Repo.AdvanceChain(ctx, tx, blocks, blocks*l.BlockTime); err != nil {
		return domain.Head{}, err
	}
	return l.Head(ctx, tx)
}

// AdvanceTime moves chain time forward without producing blocks.
func (l Ledger) AdvanceTime(ctx context.Context, tx *sql.Tx, seconds int64) (domain.Head, error) {
	if seconds <= 0 {
		return domain.Head{}, fmt.Errorf("invalid seconds %d", seconds)
	}
	if err := l.Repo.AdvanceChain(ctx, tx, 0, seconds); err != nil {
		return domain.Head{}, err
	}
	return l.Head(ctx, tx)
}

func (l Ledger) Balance(ctx context.Context, tx *sql.Tx, address string) (*big.Int, error) {
	return l.Repo.GetBalance(ctx, tx, address)
}

// Mint creates funds out of thin air; used by the dev faucet only.
func (l Ledger) Mint(ctx context.Context, tx *sql.Tx, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid mint amount")
	}
	bal, err := l.Repo.GetBalance(ctx, tx, to)
	if err != nil {
		return err
	}
	return l.Repo.SetBalance(ctx, tx, to, new(big.Int).Add(bal, amount))
}

// Transfer moves amount between wallets. A zero amount is a no-op.
func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount %s", amount)
	}
	if from == to {
		return nil
	}
	fromBal, err := l.Repo.GetBalance(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%s has %s, needs %s: %w", from, fromBal, amount, domain.ErrInsufficientBalance)
	}
	toBal, err := l.Repo.GetBalance(ctx, tx, to)
	if err != nil {
		return err
	}
	if err := l.Repo.SetBalance(ctx, tx, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.Repo.SetBalance(ctx, tx, to, new(big.Int).Add(toBal, amount))
}
