package store

import (
	"context"
	"database/sql"
	"fmt"
)

const listingColumns = `listing_id, broker_id, profile_id, url, status, confidence,
	first_seen_at, last_seen_at, removed_at, recheck_after, metadata_json`

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ListingID, &l.BrokerID, &l.ProfileID, &l.URL, &l.Status, &l.Confidence,
		&l.FirstSeenAt, &l.LastSeenAt, &l.RemovedAt, &l.RecheckAfter, &l.MetadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	return &l, nil
}

// UpsertListing inserts a listing or refreshes its status fields.
func (s *Store) UpsertListing(ctx context.Context, l *Listing) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO broker_listings
		(listing_id, broker_id, profile_id, url, status, confidence,
		 first_seen_at, last_seen_at, removed_at, recheck_after, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (listing_id) DO UPDATE SET
			status = excluded.status,
			confidence = excluded.confidence,
			last_seen_at = excluded.last_seen_at,
			removed_at = excluded.removed_at,
			recheck_after = excluded.recheck_after,
			metadata_json = excluded.metadata_json`,
		l.ListingID, l.BrokerID, l.ProfileID, l.URL, l.Status, l.Confidence,
		l.FirstSeenAt, l.LastSeenAt, l.RemovedAt, l.RecheckAfter, l.MetadataJSON)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// GetListing fetches a listing by id.
func (s *Store) GetListing(ctx context.Context, listingID string) (*Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM broker_listings WHERE listing_id = ?`, listingID)
	return scanListing(row)
}

// ListListingsForBroker returns a broker's listings, newest sighting first.
func (s *Store) ListListingsForBroker(ctx context.Context, brokerID string) ([]*Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM broker_listings
		WHERE broker_id = ? ORDER BY last_seen_at DESC`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("list broker listings: %w", err)
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountListingsByStatus aggregates a broker's listings per status.
func (s *Store) CountListingsByStatus(ctx context.Context, brokerID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM broker_listings
		WHERE broker_id = ? GROUP BY status`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// InsertRemovalAction records one removal attempt against a listing.
func (s *Store) InsertRemovalAction(ctx context.Context, a *RemovalAction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO removal_actions
		(action_id, listing_id, run_id, method, result, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ActionID, a.ListingID, a.RunID, a.Method, a.Result, a.Detail, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert removal action: %w", err)
	}
	return nil
}
