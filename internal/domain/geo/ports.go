package geo

import (
	"context"

	"github.com/google/uuid"
)

// UserRepository defines the interface for user persistence. The index is
// the in-memory view; the repository is its durable backing so device
// identity and last known positions survive restarts.
type UserRepository interface {
	// CreateUser persists a newly registered device
	CreateUser(ctx context.Context, rec *UserRecord, pinHash string) error

	// GetUserByID retrieves a user by ID
	GetUserByID(ctx context.Context, id uuid.UUID) (*UserRecord, error)

	// GetPinHash retrieves the stored PIN hash for credential checks
	GetPinHash(ctx context.Context, id uuid.UUID) (string, error)

	// UpdateLocation persists the user's last known location
	UpdateLocation(ctx context.Context, id uuid.UUID, p Point) error

	// DeactivateUser marks the user inactive
	DeactivateUser(ctx context.Context, id uuid.UUID) error

	// ListActiveUsers returns all active users, used to warm the index
	ListActiveUsers(ctx context.Context) ([]UserRecord, error)
}
