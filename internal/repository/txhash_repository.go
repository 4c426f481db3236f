package repository

import (
	"context"
	"database/sql"
	"strings"
)

// TxHashRepo is the replay guard: a global index of every transaction hash
// ever accepted for verification.  Reserving a hash and detecting a
// duplicate is one atomic INSERT against the unique primary key, closing
// the race where two bookings submit the same hash concurrently: exactly
// one insert wins, the other observes the duplicate-key error.
//
// Rows are never deleted.  Once accepted a hash is burned even if its
// booking later fails verification for an unrelated reason.
type TxHashRepo struct {
	db *sql.DB
}

// NewTxHashRepo returns a new TxHashRepo bound to the given database.
func NewTxHashRepo(db *sql.DB) *TxHashRepo { return &TxHashRepo{db: db} }

// Reserve claims a transaction hash for a booking.  The hash is normalized
// to lower case first so 0xAB.. and 0xab.. cannot slip past the unique key
// as distinct values.  Returns ErrHashAlreadyUsed when any prior
// submission, for any booking, already consumed the hash.
func (r *TxHashRepo) Reserve(ctx context.Context, txHash, bookingID string, chainID uint64) error {
	const q = `INSERT INTO used_tx_hashes (tx_hash, booking_id, chain_id) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, strings.ToLower(txHash), bookingID, chainID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return ErrHashAlreadyUsed
		}
		return err
	}
	return nil
}

// IsUsed reports whether a hash has been consumed.  Informational only;
// submission paths must rely on Reserve, not on a check-then-act around
// this method.
func (r *TxHashRepo) IsUsed(ctx context.Context, txHash string) (bool, error) {
	const q = `SELECT 1 FROM used_tx_hashes WHERE tx_hash = ? LIMIT 1`
	var one int
	err := r.db.QueryRowContext(ctx, q, strings.ToLower(txHash)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
