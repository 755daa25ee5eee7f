package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"eventrelay/internal/types"
)

// Header names used by the non-Stripe signing schemes.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderTimestamp       = "X-Webhook-Timestamp"
	HeaderSignature       = "X-Webhook-Signature"
	HeaderSharedSecret    = "X-Webhook-Secret"
)

// Verification failures. They are wrapped in an auth_signature_invalid
// AppError before leaving this package.
var (
	ErrMissingSignature       = errors.New("signature header missing")
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrNoSecret               = errors.New("no secret configured")
)

// Verifier authenticates a raw inbound payload against its request headers.
type Verifier interface {
	Verify(payload []byte, header http.Header) error
}

// StripeVerifier checks the Stripe-Signature header (HMAC-SHA256 over
// "<t>.<body>" with timestamp tolerance) using stripe-go's webhook package.
type StripeVerifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewStripeVerifier creates a StripeVerifier. A zero tolerance uses
// stripe-go's default of five minutes.
func NewStripeVerifier(secret types.SecretString, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify implements Verifier.
func (v *StripeVerifier) Verify(payload []byte, header http.Header) error {
	if v.secret.IsZero() {
		return authFailure(ErrNoSecret)
	}
	sig := header.Get(HeaderStripeSignature)
	if sig == "" {
		return authFailure(ErrMissingSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sig, v.secret.Unmask(), v.tolerance); err != nil {
		return authFailure(err)
	}
	return nil
}

// HMACVerifier checks X-Webhook-Signature, the hex HMAC-SHA256 of
// "<X-Webhook-Timestamp>.<body>". The timestamp must be within the window
// of the current time in either direction.
type HMACVerifier struct {
	secret types.SecretString
	window time.Duration
	now    func() time.Time
}

// NewHMACVerifier creates an HMACVerifier.
func NewHMACVerifier(secret types.SecretString, window time.Duration) *HMACVerifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &HMACVerifier{secret: secret, window: window, now: time.Now}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(payload []byte, header http.Header) error {
	if v.secret.IsZero() {
		return authFailure(ErrNoSecret)
	}
	tsHeader := strings.TrimSpace(header.Get(HeaderTimestamp))
	sigHeader := strings.TrimSpace(header.Get(HeaderSignature))
	if tsHeader == "" || sigHeader == "" {
		return authFailure(ErrMissingSignature)
	}

	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return authFailure(ErrInvalidTimestamp)
	}
	ts := time.Unix(tsInt, 0).UTC()
	now := v.now().UTC()
	if ts.Before(now.Add(-v.window)) || ts.After(now.Add(v.window)) {
		return authFailure(ErrTimestampOutsideWindow)
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(sigHeader, "sha256="))
	if err != nil {
		return authFailure(ErrInvalidSignature)
	}
	if !hmac.Equal(provided, signHMAC(v.secret.Unmask(), tsHeader, payload)) {
		return authFailure(ErrInvalidSignature)
	}
	return nil
}

// SignHMAC returns the hex signature an HMAC source sends for body at ts.
func SignHMAC(secret, ts string, body []byte) string {
	return hex.EncodeToString(signHMAC(secret, ts, body))
}

func signHMAC(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SharedSecretVerifier compares the X-Webhook-Secret header with the
// configured secret in constant time.
type SharedSecretVerifier struct {
	secret types.SecretString
}

// NewSharedSecretVerifier creates a SharedSecretVerifier.
func NewSharedSecretVerifier(secret types.SecretString) *SharedSecretVerifier {
	return &SharedSecretVerifier{secret: secret}
}

// Verify implements Verifier.
func (v *SharedSecretVerifier) Verify(_ []byte, header http.Header) error {
	if v.secret.IsZero() {
		return authFailure(ErrNoSecret)
	}
	got := header.Get(HeaderSharedSecret)
	if got == "" {
		return authFailure(ErrMissingSignature)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.secret.Unmask())) != 1 {
		return authFailure(ErrInvalidSignature)
	}
	return nil
}

func authFailure(err error) error {
	return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err)
}

var (
	_ Verifier = (*StripeVerifier)(nil)
	_ Verifier = (*HMACVerifier)(nil)
	_ Verifier = (*SharedSecretVerifier)(nil)
)
