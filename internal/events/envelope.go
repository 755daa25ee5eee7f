package events

import (
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"eventrelay/internal/types"
)

// Envelope is the source-independent view of an inbound delivery: the
// provider's own event id (may be empty) and the normalised event type.
type Envelope struct {
	ExternalID string
	EventType  string
}

// EnvelopeParser extracts the Envelope from a verified raw payload.
type EnvelopeParser func(payload []byte) (Envelope, error)

// stripeTypeAliases maps provider event names onto the normalised types the
// handler table is keyed by. Types not listed pass through unchanged.
var stripeTypeAliases = map[string]string{
	"payment_intent.succeeded":      types.EventPaymentSucceeded,
	"payment_intent.payment_failed": types.EventPaymentFailed,
	"customer.created":              types.EventCustomerCreated,
	"customer.updated":              types.EventCustomerUpdated,
}

// ParserFor returns the envelope parser for a source. The payment provider
// uses the Stripe event shape; every other source uses the generic
// {"id","type","data"} shape.
func ParserFor(source string) EnvelopeParser {
	if source == types.SourcePaymentProvider {
		return ParseStripeEnvelope
	}
	return ParseGenericEnvelope
}

// ParseStripeEnvelope decodes a Stripe event and normalises its type.
func ParseStripeEnvelope(payload []byte) (Envelope, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Envelope{}, malformed("payload is not a valid provider event", err)
	}
	if evt.ID == "" {
		return Envelope{}, missingField("id")
	}
	if evt.Type == "" {
		return Envelope{}, missingField("type")
	}
	eventType := string(evt.Type)
	if alias, ok := stripeTypeAliases[eventType]; ok {
		eventType = alias
	}
	return Envelope{ExternalID: evt.ID, EventType: eventType}, nil
}

type genericEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseGenericEnvelope decodes the generic integration envelope. The id is
// optional; without it every delivery is recorded as a new event.
func ParseGenericEnvelope(payload []byte) (Envelope, error) {
	var env genericEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, malformed("payload is not valid JSON", err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, missingField("type")
	}
	return Envelope{ExternalID: strings.TrimSpace(env.ID), EventType: env.Type}, nil
}

// DecodeData unmarshals the data object of a recorded event into v, using the
// envelope shape of the event's source.
func DecodeData(evt *types.Event, v any) error {
	var raw json.RawMessage
	if evt.SourceSystem == types.SourcePaymentProvider {
		var se stripe.Event
		if err := json.Unmarshal(evt.Payload, &se); err != nil {
			return malformed("stored payload is not a valid provider event", err)
		}
		if se.Data == nil || len(se.Data.Raw) == 0 {
			return missingField("data.object")
		}
		raw = se.Data.Raw
	} else {
		var env genericEnvelope
		if err := json.Unmarshal(evt.Payload, &env); err != nil {
			return malformed("stored payload is not valid JSON", err)
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return missingField("data")
		}
		raw = env.Data
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed("event data has an unexpected shape", err)
	}
	return nil
}

func malformed(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationMalformedPayload, msg, err)
}

func missingField(field string) error {
	return types.NewAppError(types.ErrCodeValidationMissingField, "payload is missing "+field, nil).
		WithDetails(map[string]any{"field": field})
}
