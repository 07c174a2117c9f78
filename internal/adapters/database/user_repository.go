package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvasirlabs/beacon/internal/domain/geo"
)

// ErrUserNotFound is returned when no row matches the requested user.
var ErrUserNotFound = fmt.Errorf("user not found")

// PostgresUserRepository implements geo.UserRepository using pgx
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresUserRepository creates a new PostgreSQL user repository
func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// CreateUser persists a newly registered device
func (r *PostgresUserRepository) CreateUser(ctx context.Context, rec *geo.UserRecord, pinHash string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, phone, emergency_contact, pin_hash, registered_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Phone, rec.EmergencyContact, pinHash, rec.RegisteredAt, rec.IsActive)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (r *PostgresUserRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*geo.UserRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, phone, emergency_contact, registered_at, is_active,
		       last_lat, last_lng, last_accuracy_m, last_captured_at
		FROM users
		WHERE id = $1
	`, id)

	rec, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return rec, nil
}

// GetPinHash retrieves the stored PIN hash for credential checks
func (r *PostgresUserRepository) GetPinHash(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT pin_hash FROM users WHERE id = $1`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to read pin hash: %w", err)
	}
	return hash, nil
}

// UpdateLocation persists the user's last known location. The capture-time
// guard mirrors the in-memory index: an older fix never overwrites a
// newer one.
func (r *PostgresUserRepository) UpdateLocation(ctx context.Context, id uuid.UUID, p geo.Point) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE users
		SET last_lat = $1, last_lng = $2, last_accuracy_m = $3, last_captured_at = $4
		WHERE id = $5 AND is_active AND (last_captured_at IS NULL OR last_captured_at < $4)
	`, p.Lat, p.Lng, p.AccuracyM, p.CapturedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either unknown/inactive, or an out-of-order fix; the in-memory
		// index has already classified which. Nothing to persist.
		return nil
	}
	return nil
}

// DeactivateUser marks the user inactive
func (r *PostgresUserRepository) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE users SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListActiveUsers returns all active users, used to warm the index at
// startup.
func (r *PostgresUserRepository) ListActiveUsers(ctx context.Context) ([]geo.UserRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, phone, emergency_contact, registered_at, is_active,
		       last_lat, last_lng, last_accuracy_m, last_captured_at
		FROM users
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []geo.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*geo.UserRecord, error) {
	var rec geo.UserRecord
	var lat, lng, accuracy *float64
	var capturedAt *time.Time

	if err := row.Scan(
		&rec.ID,
		&rec.Phone,
		&rec.EmergencyContact,
		&rec.RegisteredAt,
		&rec.IsActive,
		&lat,
		&lng,
		&accuracy,
		&capturedAt,
	); err != nil {
		return nil, err
	}

	if lat != nil && lng != nil {
		rec.LastKnown = &geo.Point{Lat: *lat, Lng: *lng}
		if accuracy != nil {
			rec.LastKnown.AccuracyM = *accuracy
		}
		if capturedAt != nil {
			rec.LastKnown.CapturedAt = *capturedAt
		}
	}
	return &rec, nil
}
