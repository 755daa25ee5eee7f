package db

import (
	"context"

	"eventrelay/internal/types"
)

// UserRepository links payment-provider customers to local users.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// AttachPaymentCustomer stores customerID on the user with the given email
// (case-insensitive). Returns false when no user matches.
func (r *UserRepository) AttachPaymentCustomer(ctx context.Context, email, customerID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET payment_customer_id = $2, updated_at = NOW()
		 WHERE LOWER(email) = LOWER($1)
		   AND payment_customer_id IS DISTINCT FROM $2`,
		email,
		customerID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to attach payment customer", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows either means no such user or the link already exists.
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`,
		email,
	).Scan(&exists); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by email", err)
	}
	return exists, nil
}
