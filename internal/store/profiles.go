package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertProfile stores an encrypted PII profile.
func (s *Store) InsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pii_profiles
		(profile_id, ciphertext, iv, tag, data_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ProfileID, p.Ciphertext, p.IV, p.Tag, p.DataHash, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// GetProfile fetches an encrypted profile by id.
func (s *Store) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `SELECT profile_id, ciphertext, iv, tag, data_hash,
		created_at, updated_at FROM pii_profiles WHERE profile_id = ?`, profileID).
		Scan(&p.ProfileID, &p.Ciphertext, &p.IV, &p.Tag, &p.DataHash, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// DeleteProfile removes a profile and everything derived from it: schedules,
// listings (removal actions cascade), and queue items referencing its runs.
func (s *Store) DeleteProfile(ctx context.Context, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete profile: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pii_profiles WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete profile schedules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM broker_listings WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete profile listings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM human_action_queue
		WHERE run_id IN (SELECT run_id FROM runs WHERE params_json LIKE ?)`,
		`%"profile_id":"`+profileID+`"%`); err != nil {
		return fmt.Errorf("delete profile queue items: %w", err)
	}
	return tx.Commit()
}
