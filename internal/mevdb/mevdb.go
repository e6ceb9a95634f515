// Package mevdb is the typed gateway to phoenix's own database: missed-slot
// records and promotion tokens. Schema is applied via Migrate (embedded
// sql-migrate sources in migrations/).
//
// Ported from original_source/src/phoenix/demotion_monitor.rs (gen_promotion_token)
// and src/phoenix/inclusion_monitor/mod.rs (insert_missed_slot).
package mevdb

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jmoiron/sqlx"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const tokenLength = 16

const tokenLifetime = 7 * 24 * time.Hour

// MissedSlot records a slot whose relayed payload never became canonical.
type MissedSlot struct {
	SlotNumber         int64  `db:"slot_number"`
	RelayedBlockHash   string `db:"relayed_block_hash"`
	CanonicalBlockHash *string `db:"canonical_block_hash"`
}

// Store is the gateway to phoenix's own Postgres database.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InsertMissedSlot records a missed slot. Idempotent: re-running the same
// (slot_number, relayed_block_hash) pair is a no-op rather than an error, so
// a scanner that re-processes part of a window on restart doesn't double
// count.
func (s *Store) InsertMissedSlot(ctx context.Context, m MissedSlot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missed_slots (slot_number, relayed_block_hash, canonical_block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot_number, relayed_block_hash) DO NOTHING
	`, m.SlotNumber, m.RelayedBlockHash, m.CanonicalBlockHash)
	if err != nil {
		return fmt.Errorf("mevdb: insert missed slot %d: %w", m.SlotNumber, err)
	}
	return nil
}

// CountMissedSlotsInRange returns how many missed-slot rows fall in
// (startSlot, endSlot]. Backs the missed-slot-rate alert in the inclusion
// reconciler.
func (s *Store) CountMissedSlotsInRange(ctx context.Context, startSlot, endSlot int64) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM missed_slots WHERE slot_number > $1 AND slot_number <= $2
	`, startSlot, endSlot)
	if err != nil {
		return 0, fmt.Errorf("mevdb: count missed slots: %w", err)
	}
	return n, nil
}

// MissedSlotsSince returns the slot numbers of every missed slot recorded
// after since, for the promotion engine's "no missed slot in this window"
// eligibility check.
func (s *Store) MissedSlotsSince(ctx context.Context, since time.Time) ([]int64, error) {
	var slots []int64
	err := s.db.SelectContext(ctx, &slots, `
		SELECT slot_number FROM missed_slots WHERE inserted_at > $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("mevdb: missed slots since: %w", err)
	}
	return slots, nil
}

// MaxAuctionAnalysisSlot returns max(slot) from auction_analysis, the
// furthest slot the auction-analysis pipeline has processed.
func (s *Store) MaxAuctionAnalysisSlot(ctx context.Context) (int64, error) {
	return s.maxSlot(ctx, "SELECT COALESCE(max(slot), 0) FROM auction_analysis")
}

// MaxHeaderDelaySlot returns max(latest_header_slot) from
// header_delay_updates.
func (s *Store) MaxHeaderDelaySlot(ctx context.Context) (int64, error) {
	return s.maxSlot(ctx, "SELECT COALESCE(max(latest_header_slot), 0) FROM header_delay_updates")
}

// MaxLookbackSlot returns max(slot) from lookback_updates.
func (s *Store) MaxLookbackSlot(ctx context.Context) (int64, error) {
	return s.maxSlot(ctx, "SELECT COALESCE(max(slot), 0) FROM lookback_updates")
}

func (s *Store) maxSlot(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("mevdb: max slot query: %w", err)
	}
	return n, nil
}

// GeneratePromotionToken mints a single-use re-promotion token for
// builderID, valid for seven days, and persists it. Uniqueness is enforced
// by rejection sampling against the unique token column rather than by
// entropy: the alphabet is plain alphanumeric, matching the original's use
// of rand::thread_rng rather than a CSPRNG, since the token's only job is
// to appear in a button URL a human clicks, not to resist guessing.
func (s *Store) GeneratePromotionToken(ctx context.Context, builderID string) (string, error) {
	expiresAt := time.Now().UTC().Add(tokenLifetime)

	var token string
	for {
		token = randomToken(tokenLength)

		var exists bool
		if err := s.db.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM promotion_tokens WHERE token = $1)
		`, token); err != nil {
			return "", fmt.Errorf("mevdb: check token uniqueness: %w", err)
		}
		if !exists {
			break
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotion_tokens (builder_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, builderID, token, expiresAt)
	if err != nil {
		return "", fmt.Errorf("mevdb: store promotion token: %w", err)
	}

	return token, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}
