package ippolicy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"turnstile/internal/ratelimit/models"
)

// PostgresBackend persists IP policy entries in the ip_policies table.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend constructs a PostgreSQL-backed IP policy backend.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Get(ctx context.Context, ip string) (*models.IPPolicyEntry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT ip, state, reason, set_by, created_at, expires_at
		FROM ip_policies
		WHERE ip = $1
	`, ip)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ip policy: %w", err)
	}
	return e, nil
}

func (b *PostgresBackend) Put(ctx context.Context, entry *models.IPPolicyEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO ip_policies (ip, state, reason, set_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ip) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			set_by = EXCLUDED.set_by,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, entry.IP, string(entry.State), entry.Reason, entry.SetBy, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put ip policy: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, ip string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM ip_policies WHERE ip = $1`, ip)
	if err != nil {
		return false, fmt.Errorf("delete ip policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete ip policy: %w", err)
	}
	return n > 0, nil
}

func (b *PostgresBackend) List(ctx context.Context, now time.Time) ([]*models.IPPolicyEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT ip, state, reason, set_by, created_at, expires_at
		FROM ip_policies
		WHERE expires_at IS NULL OR expires_at > $1
		ORDER BY created_at DESC, ip
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list ip policies: %w", err)
	}
	defer rows.Close()

	var entries []*models.IPPolicyEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ip policy: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ip policies: %w", err)
	}
	return entries, nil
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM ip_policies WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired ip policies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired ip policies: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.IPPolicyEntry, error) {
	var e models.IPPolicyEntry
	var state string
	var expiresAt sql.NullTime
	if err := row.Scan(&e.IP, &state, &e.Reason, &e.SetBy, &e.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	e.State = models.PolicyState(state)
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}
