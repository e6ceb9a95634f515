// Package proposer enriches a proposer pubkey with the label/geo metadata
// the inclusion reconciler folds into its incident reports: known-operator
// labels, Lido operator names, and a coarse IP-derived location.
//
// Ported from original_source/src/phoenix/inclusion_monitor/proposer_meta.rs.
package proposer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// LabelMeta is known-operator metadata for a validator pubkey, joined from
// the relay's validator registration and any imputed-label view.
type LabelMeta struct {
	Graffiti     *string `db:"last_graffiti"`
	Label        *string `db:"label"`
	LidoOperator *string `db:"lido_operator"`
}

// Location is a coarse geolocation derived from an IP address.
type Location struct {
	Country *string `db:"country"`
	City    *string `db:"city"`
}

// Store reads proposer enrichment data from the relay's Postgres database.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// LabelMeta returns known-operator metadata for pubkey, or a zero-value
// LabelMeta if the relay has no record of it (an unregistered validator is
// not an error).
func (s *Store) LabelMeta(ctx context.Context, pubkey string) (LabelMeta, error) {
	var meta LabelMeta
	err := s.db.GetContext(ctx, &meta, `
		SELECT
			COALESCE(pl.label, va.label) AS label,
			lido_operator,
			last_graffiti
		FROM validators va
		LEFT JOIN proposer_labels_with_imputed_data_view pl ON va.pubkey = pl.pubkey
		WHERE va.pubkey = $1
	`, pubkey)
	if err != nil && !isNoRows(err) {
		return LabelMeta{}, fmt.Errorf("proposer: label meta for %s: %w", pubkey, err)
	}
	return meta, nil
}

// IP returns the best-known IP address for pubkey: its validator
// registration IP if present, falling back to the IP of its most recent
// payload request. Registration IP wins because it's provided directly by
// the operator, while the payload-request IP may belong to an
// intermediary relay-facing proxy.
func (s *Store) IP(ctx context.Context, pubkey string) (string, bool, error) {
	var registrationIP sql.NullString
	err := s.db.GetContext(ctx, &registrationIP, `
		SELECT last_registration_ip_address FROM validators WHERE pubkey = $1
	`, pubkey)
	if err != nil && !isNoRows(err) {
		return "", false, fmt.Errorf("proposer: registration ip for %s: %w", pubkey, err)
	}
	if registrationIP.Valid {
		return registrationIP.String, true, nil
	}

	var requestIP sql.NullString
	err = s.db.GetContext(ctx, &requestIP, `
		SELECT ip FROM payload_requests WHERE pubkey = $1
	`, pubkey)
	if err != nil && !isNoRows(err) {
		return "", false, fmt.Errorf("proposer: payload request ip for %s: %w", pubkey, err)
	}
	if requestIP.Valid {
		return requestIP.String, true, nil
	}
	return "", false, nil
}

// Location resolves ip to a coarse country/city location via ip_meta, or a
// zero-value Location if the relay has no geolocation record for it.
func (s *Store) Location(ctx context.Context, ip string) (Location, error) {
	var loc Location
	err := s.db.GetContext(ctx, &loc, `
		SELECT country, city FROM ip_meta WHERE ip_address = $1
	`, ip)
	if err != nil && !isNoRows(err) {
		return Location{}, fmt.Errorf("proposer: location for %s: %w", ip, err)
	}
	return loc, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
