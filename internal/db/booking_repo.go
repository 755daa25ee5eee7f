package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"eventrelay/internal/types"
)

// BookingRef identifies a booking either directly or through the payment
// intent that paid for it. ID takes precedence when both are set.
type BookingRef struct {
	ID              string
	PaymentIntentID string
}

// BookingRepository mutates booking state in response to payment and
// integration events. Every method sets absolute values, so applying the same
// event twice leaves the row unchanged.
type BookingRepository struct {
	db DBTX
}

// NewBookingRepository creates a new BookingRepository.
func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingReturning = `RETURNING id, user_id, venue_id, status, payment_status,
	COALESCE(payment_intent_id, ''), updated_at`

// MarkPaid confirms the booking and records the payment as paid.
func (r *BookingRepository) MarkPaid(ctx context.Context, ref BookingRef) (*types.Booking, error) {
	return r.update(ctx, ref,
		`UPDATE bookings
		 SET status = 'confirmed', payment_status = 'paid',
		     payment_intent_id = COALESCE(NULLIF($1, ''), payment_intent_id), updated_at = NOW()`,
		ref.PaymentIntentID,
	)
}

// MarkPaymentFailed records a failed payment and returns the booking to
// pending. A booking that is already paid keeps its state; the failure
// belongs to an earlier attempt delivered out of order.
func (r *BookingRepository) MarkPaymentFailed(ctx context.Context, ref BookingRef) (*types.Booking, error) {
	return r.update(ctx, ref,
		`UPDATE bookings
		 SET status = CASE WHEN payment_status = 'paid' THEN status ELSE 'pending' END,
		     payment_status = CASE WHEN payment_status = 'paid' THEN payment_status ELSE 'failed' END,
		     payment_intent_id = COALESCE(payment_intent_id, NULLIF($1, '')),
		     updated_at = NOW()`,
		ref.PaymentIntentID,
	)
}

// SetStatus sets the booking lifecycle status reported by an integration.
func (r *BookingRepository) SetStatus(ctx context.Context, bookingID string, status types.BookingStatus) (*types.Booking, error) {
	return r.update(ctx, BookingRef{ID: bookingID},
		`UPDATE bookings
		 SET status = $1, updated_at = NOW()`,
		string(status),
	)
}

// update runs setClause against the booking selected by ref. The lookup key
// is bound after args.
func (r *BookingRepository) update(ctx context.Context, ref BookingRef, setClause string, args ...any) (*types.Booking, error) {
	key, column := ref.ID, "id"
	if key == "" {
		key, column = ref.PaymentIntentID, "payment_intent_id"
	}
	if key == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "booking reference is empty", nil)
	}

	args = append(args, key)
	where := fmt.Sprintf(" WHERE %s = $%d ", column, len(args))

	var b types.Booking
	err := r.db.QueryRow(ctx, setClause+where+bookingReturning, args...).Scan(
		&b.ID,
		&b.UserID,
		&b.VenueID,
		&b.Status,
		&b.PaymentStatus,
		&b.PaymentIntentID,
		&b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundBooking, "booking not found", nil).
			WithDetails(map[string]any{"booking_id": ref.ID, "payment_intent_id": ref.PaymentIntentID})
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update booking", err)
	}
	return &b, nil
}
