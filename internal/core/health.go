package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe round. A probe still running at
// the deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency of the relay (the database, for example).
type HealthProbe interface {
	Name() string
	// Check must respect the context deadline.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

// Name implements HealthProbe.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Check implements HealthProbe.
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
	Stats      any                        `json:"stats,omitempty"`
}

// probeOutcome is written once by the goroutine that owns its slot.
type probeOutcome struct {
	idx     int
	err     error
	latency time.Duration
}

// HandleHealth runs every probe concurrently and answers 200 when all of
// them pass, 503 otherwise. HealthStats (hub counters) is attached to both.
//
// GET /health is public.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var stats any
	if s.HealthStats != nil {
		stats = s.HealthStats()
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy", Stats: stats})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	outcomes := s.runProbes(ctx)

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(outcomes)),
		Stats:      stats,
	}
	for i, probe := range s.HealthProbes {
		out := outcomes[i]
		c := componentStatus{Status: "healthy"}
		switch {
		case out == nil:
			c = componentStatus{Status: "unhealthy", Message: "health check timed out", LatencyMS: healthCheckTimeout.Milliseconds()}
		case out.err != nil:
			c = componentStatus{Status: "unhealthy", Message: out.err.Error(), LatencyMS: out.latency.Milliseconds()}
		default:
			c.LatencyMS = out.latency.Milliseconds()
		}
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
		}
		resp.Components[probe.Name()] = c
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

// runProbes returns one outcome per probe, in probe order. Slots of probes
// that missed the deadline are nil.
func (s *Server) runProbes(ctx context.Context) []*probeOutcome {
	probes := s.HealthProbes
	results := make(chan probeOutcome, len(probes))

	for i, p := range probes {
		go func() {
			start := time.Now()
			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()
			results <- probeOutcome{idx: i, err: err, latency: time.Since(start)}
		}()
	}

	outcomes := make([]*probeOutcome, len(probes))
	for range probes {
		select {
		case out := <-results:
			outcomes[out.idx] = &out
		case <-ctx.Done():
			return outcomes
		}
	}
	return outcomes
}
