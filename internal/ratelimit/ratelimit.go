// Package ratelimit gates outbound calls to third-party endpoints so the
// aggregate request rate stays under each service's ceiling.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Endpoint names a rate-limited upstream.
type Endpoint string

const (
	// EndpointPubMed covers both esearch and efetch; NCBI counts them
	// against one quota.
	EndpointPubMed Endpoint = "pubmed"
	// EndpointEmbedding paces embedding batch groups.
	EndpointEmbedding Endpoint = "embedding"
)

// PubMed allows 3 req/s anonymously and 10 req/s with an API key.
const (
	PubMedAnonymousRPS = 3
	PubMedKeyedRPS     = 10
)

// Limiter is a token bucket keyed by endpoint. Callers suspend in Acquire
// until a slot is available, so pacing is cooperative.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Endpoint]*rate.Limiter
}

// New returns a Limiter with no endpoints registered.
func New() *Limiter {
	return &Limiter{buckets: make(map[Endpoint]*rate.Limiter)}
}

// NewDefault returns a Limiter preconfigured for the pipeline's upstreams.
// hasNCBIKey selects the keyed PubMed quota.
func NewDefault(hasNCBIKey bool) *Limiter {
	l := New()
	rps := PubMedAnonymousRPS
	if hasNCBIKey {
		rps = PubMedKeyedRPS
	}
	l.Set(EndpointPubMed, rate.Limit(rps), 1)
	// Embedding pacing is coarse here; fine-grained stagger and adaptive
	// parallelism are caller-side constraints owned by the embedding client.
	l.Set(EndpointEmbedding, rate.Limit(10), 2)
	return l
}

// Set registers or replaces the bucket for an endpoint.
func (l *Limiter) Set(ep Endpoint, limit rate.Limit, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[ep] = rate.NewLimiter(limit, burst)
}

// Acquire blocks until a request slot for the endpoint is available or the
// context is done. Unknown endpoints pass immediately.
func (l *Limiter) Acquire(ctx context.Context, ep Endpoint) error {
	l.mu.Lock()
	b := l.buckets[ep]
	l.mu.Unlock()
	if b == nil {
		return ctx.Err()
	}
	return b.Wait(ctx)
}
