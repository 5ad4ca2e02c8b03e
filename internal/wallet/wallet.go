// Package wallet is the coin ledger collaborator. The relay debits it
// before a gift broadcast; the REST surface reads and tops up balances.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipcast/pkg/logger"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type Service struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

func New(db *pgxpool.Pool, log *logger.Logger) *Service {
	return &Service{db: db, log: log}
}

// Debit atomically withdraws coins from a user's balance. The conditional
// update guarantees the balance never goes negative and that a failed gift
// never leaves a partial debit behind.
func (s *Service) Debit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE wallets
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Missing wallet and short balance reject the same way.
		return ErrInsufficientFunds
	}

	s.log.Info("wallet debited", "user_id", userID, "amount", amount)
	return nil
}

// Credit adds coins to a user's balance, creating the wallet on first use,
// and returns the new balance.
func (s *Service) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO wallets (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = wallets.balance + $2, updated_at = NOW()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	s.log.Info("wallet credited", "user_id", userID, "amount", amount, "balance", balance)
	return balance, nil
}

// Balance returns the current balance; users without a wallet read as zero.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read wallet balance: %w", err)
	}
	return balance, nil
}
