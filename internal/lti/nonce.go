// internal/lti/nonce.go
package lti

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"
)

/*
Server-side nonce state.

Cookie-based launches carry the nonce back themselves; storage-target
launches (platforms that strip cookies inside iframes) persist a
NonceState row at initiation instead. Rows are single-use: consumption
is a check-and-delete so two requests replaying the same nonce cannot
both pass. A background sweep removes rows older than one hour.
*/

const NonceRetention = time.Hour

type NonceState struct {
	Nonce         string
	StateHash     string
	State         string
	StorageTarget string
	CreatedAt     time.Time
}

type NonceStore interface {
	Create(ctx context.Context, ns NonceState) error
	// Consume returns the row whose state_hash matches and deletes it
	// atomically. A second call for the same state fails.
	Consume(ctx context.Context, stateHash string) (NonceState, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ---------------------------- SQL implementation ------------------------------

type SQLNonceStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s *SQLNonceStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *SQLNonceStore) Create(ctx context.Context, ns NonceState) error {
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO nonce_state (nonce, state_hash, state, storage_target, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		ns.Nonce, ns.StateHash, ns.State, ns.StorageTarget, ns.CreatedAt.Unix())
	if err != nil {
		return persistErr("create nonce state", err)
	}
	return nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, stateHash string) (NonceState, error) {
	var ns NonceState
	var created int64
	row := s.DB.QueryRowContext(ctx, `
SELECT nonce, state_hash, state, COALESCE(storage_target,''), created_at
FROM nonce_state WHERE state_hash = $1`, stateHash)
	if err := row.Scan(&ns.Nonce, &ns.StateHash, &ns.State, &ns.StorageTarget, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NonceState{}, validationErr("nonce error")
		}
		return NonceState{}, persistErr("read nonce state", err)
	}
	ns.CreatedAt = time.Unix(created, 0).UTC()

	// The delete is the commit point: whichever request deletes the row wins,
	// the loser sees zero rows affected and is rejected as a replay.
	res, err := s.DB.ExecContext(ctx, "DELETE FROM nonce_state WHERE nonce = $1", ns.Nonce)
	if err != nil {
		return NonceState{}, persistErr("consume nonce state", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return NonceState{}, validationErr("nonce error")
	}
	return ns, nil
}

func (s *SQLNonceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM nonce_state WHERE created_at < $1", cutoff.Unix())
	if err != nil {
		return 0, persistErr("sweep nonce state", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepNonces deletes expired rows every interval until ctx is done.
// Run it from main as a goroutine.
func SweepNonces(ctx context.Context, store NonceStore, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-NonceRetention))
			if err != nil {
				log.Printf("lti: nonce sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("lti: nonce sweep removed %d stale rows", n)
			}
		}
	}
}
