package external

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"eventrelay/internal/config"
	"eventrelay/internal/types"
)

// SourceRegistry maps source names to the verifier for their signing scheme.
// Verification fails closed: a source with no registered verifier is rejected.
type SourceRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{verifiers: make(map[string]Verifier)}
}

// Register binds a verifier to a source name, replacing any previous one.
func (r *SourceRegistry) Register(source string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[source] = v
}

// Sources returns registered source names in sorted order.
func (r *SourceRegistry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Verify authenticates payload for source.
func (r *SourceRegistry) Verify(source string, payload []byte, header http.Header) error {
	r.mu.RLock()
	v, ok := r.verifiers[source]
	r.mu.RUnlock()
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSource, "unknown webhook source", nil).
			WithDetails(map[string]any{"source": source})
	}
	return v.Verify(payload, header)
}

// NewSourceRegistryFromConfig registers every source that has a secret.
// Sources without a secret are skipped and logged, so their requests are
// rejected rather than accepted unauthenticated.
func NewSourceRegistryFromConfig(cfg config.SourcesConfig, logger *slog.Logger) *SourceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewSourceRegistry()

	if cfg.StripeWebhookSecret.IsZero() {
		logger.Warn("payment provider source disabled: no signing secret", "source", types.SourcePaymentProvider)
	} else {
		r.Register(types.SourcePaymentProvider, NewStripeVerifier(cfg.StripeWebhookSecret, cfg.StripeTolerance))
	}

	switch {
	case cfg.ExternalSecret.IsZero():
		logger.Warn("external source disabled: no secret", "source", types.SourceExternal)
	case cfg.ExternalScheme == "hmac":
		r.Register(types.SourceExternal, NewHMACVerifier(cfg.ExternalSecret, cfg.HMACTolerance))
	default:
		r.Register(types.SourceExternal, NewSharedSecretVerifier(cfg.ExternalSecret))
	}

	for name, secret := range cfg.HMACSecrets {
		if name == "" || secret.IsZero() {
			continue
		}
		r.Register(name, NewHMACVerifier(secret, cfg.HMACTolerance))
	}

	logger.Info("webhook sources registered", "sources", r.Sources())
	return r
}
