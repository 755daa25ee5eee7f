package types

// Outcome is the processing state of a recorded event.
// Transitions: pending -> processed | failed, failed -> pending (retry claim).
// processed is terminal.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeProcessed, OutcomeFailed:
		return true
	}
	return false
}

// AddressType selects how a Notification is routed by the fan-out engine.
type AddressType string

const (
	AddressUser AddressType = "user"
	AddressRoom AddressType = "room"
)

// NotificationKind classifies a real-time notification for clients.
type NotificationKind string

const (
	KindBookingUpdate NotificationKind = "booking_update"
	KindPaymentUpdate NotificationKind = "payment_update"
	KindSystemAlert   NotificationKind = "system_alert"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// Valid reports whether s is a known booking status.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingCancelled:
		return true
	}
	return false
}

// PaymentStatus is the payment state recorded on a booking.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Event source systems.
const (
	SourcePaymentProvider = "payment-provider"
	SourceExternal        = "external"
)

// Normalised event types. Provider-specific names are mapped onto these by
// the envelope parser for each source.
const (
	EventPaymentSucceeded     = "payment.succeeded"
	EventPaymentFailed        = "payment.failed"
	EventCustomerCreated      = "customer.created"
	EventCustomerUpdated      = "customer.updated"
	EventBookingStatusChanged = "booking.status_changed"
	EventSystemAlert          = "system.alert"
)

// VenueRoomPrefix prefixes room ids that scope delivery to a venue's staff.
const VenueRoomPrefix = "venue:"

// VenueRoom returns the room id for a venue.
func VenueRoom(venueID string) string {
	return VenueRoomPrefix + venueID
}
