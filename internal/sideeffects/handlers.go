// Package sideeffects holds the business reactions to inbound events: booking
// confirmation on payment, customer linking, and integration-driven booking
// and alert updates.
//
// Every handler applies absolute state ("set paid", "set status") so a retry
// or a concurrent redelivery leaves the same end state. A booking that does
// not exist yet is returned as an error; the event is retried until the
// booking shows up or the retry ceiling is reached.
package sideeffects

import (
	"context"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"eventrelay/internal/db"
	"eventrelay/internal/events"
	"eventrelay/internal/types"
)

// BookingStore mutates booking state.
type BookingStore interface {
	MarkPaid(ctx context.Context, ref db.BookingRef) (*types.Booking, error)
	MarkPaymentFailed(ctx context.Context, ref db.BookingRef) (*types.Booking, error)
	SetStatus(ctx context.Context, bookingID string, status types.BookingStatus) (*types.Booking, error)
}

// CustomerStore links payment provider customers to users.
type CustomerStore interface {
	AttachPaymentCustomer(ctx context.Context, email, customerID string) (bool, error)
}

// Handlers implements the side effects for every supported event type.
type Handlers struct {
	bookings  BookingStore
	customers CustomerStore
	logger    *slog.Logger
}

// NewHandlers creates the side-effect handler set.
func NewHandlers(bookings BookingStore, customers CustomerStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{bookings: bookings, customers: customers, logger: logger}
}

// Register adds every handler to reg.
func (h *Handlers) Register(reg *events.Registry) {
	reg.Register(types.SourcePaymentProvider, types.EventPaymentSucceeded, "confirm_booking", h.PaymentSucceeded)
	reg.Register(types.SourcePaymentProvider, types.EventPaymentFailed, "record_payment_failure", h.PaymentFailed)
	reg.Register(types.SourcePaymentProvider, types.EventCustomerCreated, "link_customer", h.CustomerChanged)
	reg.Register(types.SourcePaymentProvider, types.EventCustomerUpdated, "link_customer", h.CustomerChanged)
	reg.Register(types.SourceExternal, types.EventBookingStatusChanged, "sync_booking_status", h.BookingStatusChanged)
	reg.Register(types.SourceExternal, types.EventSystemAlert, "broadcast_alert", h.SystemAlert)
}

// PaymentSucceeded confirms the booking paid by the payment intent.
func (h *Handlers) PaymentSucceeded(ctx context.Context, evt *types.Event) ([]types.Notification, error) {
	var pi stripe.PaymentIntent
	if err := events.DecodeData(evt, &pi); err != nil {
		return nil, err
	}

	booking, err := h.bookings.MarkPaid(ctx, bookingRef(&pi))
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "booking confirmed by payment",
		"booking_id", booking.ID,
		"payment_intent_id", pi.ID,
	)
	return audience(types.KindPaymentUpdate, booking, map[string]any{
		"booking_id":        booking.ID,
		"status":            string(booking.Status),
		"payment_status":    string(booking.PaymentStatus),
		"payment_intent_id": pi.ID,
		"amount":            pi.Amount,
		"currency":          string(pi.Currency),
	}), nil
}

// PaymentFailed records a failed payment attempt on the booking. A booking
// already paid is left alone and nobody is notified.
func (h *Handlers) PaymentFailed(ctx context.Context, evt *types.Event) ([]types.Notification, error) {
	var pi stripe.PaymentIntent
	if err := events.DecodeData(evt, &pi); err != nil {
		return nil, err
	}

	booking, err := h.bookings.MarkPaymentFailed(ctx, bookingRef(&pi))
	if err != nil {
		return nil, err
	}
	if booking.PaymentStatus == types.PaymentPaid {
		h.logger.InfoContext(ctx, "payment failure ignored, booking already paid",
			"booking_id", booking.ID,
			"payment_intent_id", pi.ID,
		)
		return nil, nil
	}

	data := map[string]any{
		"booking_id":        booking.ID,
		"status":            string(booking.Status),
		"payment_status":    string(booking.PaymentStatus),
		"payment_intent_id": pi.ID,
	}
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		data["error"] = pi.LastPaymentError.Msg
	}
	h.logger.InfoContext(ctx, "booking payment failed", "booking_id", booking.ID, "payment_intent_id", pi.ID)
	return audience(types.KindPaymentUpdate, booking, data), nil
}

// CustomerChanged links the provider customer to the user with the same email.
// No user with that email is not an error.
func (h *Handlers) CustomerChanged(ctx context.Context, evt *types.Event) ([]types.Notification, error) {
	var cust stripe.Customer
	if err := events.DecodeData(evt, &cust); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(cust.Email)
	if cust.ID == "" || email == "" {
		h.logger.InfoContext(ctx, "customer event without id or email, nothing to link", "event_id", evt.ID)
		return nil, nil
	}

	found, err := h.customers.AttachPaymentCustomer(ctx, email, cust.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		h.logger.InfoContext(ctx, "no user for customer email", "customer_id", cust.ID)
	}
	return nil, nil
}

type bookingStatusData struct {
	BookingID string              `json:"booking_id"`
	Status    types.BookingStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
}

// BookingStatusChanged applies a status reported by the integration source.
func (h *Handlers) BookingStatusChanged(ctx context.Context, evt *types.Event) ([]types.Notification, error) {
	var data bookingStatusData
	if err := events.DecodeData(evt, &data); err != nil {
		return nil, err
	}
	if data.BookingID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "booking_id is required", nil)
	}
	if !data.Status.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "unknown booking status", nil).
			WithDetails(map[string]any{"status": string(data.Status)})
	}

	booking, err := h.bookings.SetStatus(ctx, data.BookingID, data.Status)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"booking_id":     booking.ID,
		"status":         string(booking.Status),
		"payment_status": string(booking.PaymentStatus),
	}
	if data.Reason != "" {
		payload["reason"] = data.Reason
	}
	return audience(types.KindBookingUpdate, booking, payload), nil
}

type systemAlertData struct {
	VenueID  string `json:"venue_id"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// SystemAlert forwards an integration alert to the staff of a venue.
func (h *Handlers) SystemAlert(ctx context.Context, evt *types.Event) ([]types.Notification, error) {
	var data systemAlertData
	if err := events.DecodeData(evt, &data); err != nil {
		return nil, err
	}
	if data.VenueID == "" || data.Message == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "venue_id and message are required", nil)
	}
	severity := data.Severity
	if severity == "" {
		severity = "info"
	}
	return []types.Notification{{
		AddressType: types.AddressRoom,
		AddressID:   types.VenueRoom(data.VenueID),
		Kind:        types.KindSystemAlert,
		Data: map[string]any{
			"venue_id": data.VenueID,
			"message":  data.Message,
			"severity": severity,
		},
	}}, nil
}

func bookingRef(pi *stripe.PaymentIntent) db.BookingRef {
	return db.BookingRef{ID: pi.Metadata["booking_id"], PaymentIntentID: pi.ID}
}

// audience addresses a booking change to the booking's user and its venue room.
func audience(kind types.NotificationKind, b *types.Booking, data map[string]any) []types.Notification {
	var out []types.Notification
	if b.UserID != "" {
		out = append(out, types.Notification{
			AddressType: types.AddressUser,
			AddressID:   b.UserID,
			Kind:        kind,
			Data:        data,
		})
	}
	if b.VenueID != "" {
		out = append(out, types.Notification{
			AddressType: types.AddressRoom,
			AddressID:   types.VenueRoom(b.VenueID),
			Kind:        kind,
			Data:        data,
		})
	}
	return out
}
