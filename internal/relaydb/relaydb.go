// Package relaydb is the read-mostly gateway to the relay's own Postgres
// database: delivered payloads, builder demotions, the adjustment trace,
// and the single write this repo performs against relay state (promoting
// a builder back to optimistic).
//
// Ported from original_source/src/phoenix/demotion_monitor.rs
// (get_builder_demotions), src/phoenix/inclusion_monitor/mod.rs
// (get_delivered_payloads, check_is_adjustment_hash), and
// src/phoenix/promotion_monitor.rs (promote_builder_ids).
package relaydb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ultrasoundmoney/phoenix/internal/config"
)

// DeliveredPayload is a row of payload_delivered: a payload the relay
// handed to a proposer for the given slot.
type DeliveredPayload struct {
	Slot            int64     `db:"slot"`
	Geo             config.Geo `db:"geo"`
	BlockHash       string    `db:"block_hash"`
	BlockNumber     int64     `db:"block_number"`
	ProposerPubkey  string    `db:"proposer_pubkey"`
	InsertedAt      time.Time `db:"inserted_at"`
}

// BuilderDemotion is a row of builder_demotions joined against builder, so
// the builder_id (if the relay has one on file for the pubkey) travels
// alongside the demotion.
type BuilderDemotion struct {
	Geo            config.Geo `db:"geo"`
	BlockHash      string    `db:"block_hash"`
	BuilderPubkey  string    `db:"builder_pubkey"`
	BuilderID      *string   `db:"builder_id"`
	Slot           int64     `db:"slot"`
	SimError       string    `db:"sim_error"`
}

// Store is the read-mostly gateway to the relay's Postgres database.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DeliveredPayloads returns every payload delivered in (start, end], in
// ascending delivery order.
func (s *Store) DeliveredPayloads(ctx context.Context, start, end time.Time) ([]DeliveredPayload, error) {
	var rows []DeliveredPayload
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			inserted_at,
			slot,
			geo,
			block_hash,
			block_number,
			proposer_pubkey
		FROM payload_delivered
		WHERE inserted_at > $1
		  AND inserted_at <= $2
		ORDER BY inserted_at ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("relaydb: delivered payloads: %w", err)
	}
	return rows, nil
}

// BuilderDemotions returns every demotion recorded in (start, end], in
// ascending insertion order, joined against the builder table for
// builder_id.
func (s *Store) BuilderDemotions(ctx context.Context, start, end time.Time) ([]BuilderDemotion, error) {
	var rows []BuilderDemotion
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			bd.geo,
			bd.block_hash,
			bd.builder_pubkey,
			bb.builder_id,
			bd.slot,
			trim(bd.sim_error) AS sim_error
		FROM builder_demotions bd
		INNER JOIN builder bb
		  ON bd.builder_pubkey = bb.builder_pubkey
		WHERE bd.inserted_at > $1
		  AND bd.inserted_at <= $2
		ORDER BY bd.inserted_at ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("relaydb: builder demotions: %w", err)
	}
	return rows, nil
}

// IsAdjustmentHash reports whether blockHash appears in adjustment_trace
// as an adjusted block, i.e. the relay deliberately served a different
// block than the one it built — a known, benign mismatch source for the
// inclusion reconciler.
func (s *Store) IsAdjustmentHash(ctx context.Context, blockHash string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM adjustment_trace WHERE adjusted_block_hash = $1
		)
	`, blockHash)
	if err != nil {
		return false, fmt.Errorf("relaydb: check adjustment hash: %w", err)
	}
	return exists, nil
}

// PromotedBuilder is a (builder_id, builder_pubkey) pair returned by a
// successful promotion, for the informational DM/message builder-id
// grouping downstream.
type PromotedBuilder struct {
	BuilderID     string `db:"builder_id"`
	BuilderPubkey string `db:"builder_pubkey"`
}

// PromoteBuilders flips is_optimistic back to true for every builder id
// in builderIDs that still has collateral posted and is currently
// demoted, returning only the rows it actually changed.
func (s *Store) PromoteBuilders(ctx context.Context, builderIDs []string) ([]PromotedBuilder, error) {
	if len(builderIDs) == 0 {
		return nil, nil
	}
	var rows []PromotedBuilder
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE builder
		SET is_optimistic = true
		WHERE builder_id = ANY($1)
		  AND collateral > 0
		  AND is_optimistic = false
		RETURNING builder_id, builder_pubkey
	`, pq.Array(builderIDs))
	if err != nil {
		return nil, fmt.Errorf("relaydb: promote builders: %w", err)
	}
	return rows, nil
}
