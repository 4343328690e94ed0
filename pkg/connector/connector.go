// Package connector defines the contract between the evidence pipeline and
// the per-source fetchers. Connectors are external collaborators: the
// pipeline only assumes "fetch records since cursor X" semantics with
// at-least-once delivery. The normalizer dedups via content hash, so
// re-delivering a batch is harmless.
package connector

import (
	"context"
	"time"

	"github.com/trailproof/core/pkg/contracts"
	"golang.org/x/time/rate"
)

// RawRecord is one record as fetched from an external system, before
// normalization. Payload is source-shaped; the normalizer extracts the
// canonical content fields from it.
type RawRecord struct {
	SourceSystem   contracts.SourceSystem
	SourceObjectID string
	SourceURL      string
	ArtifactType   contracts.ArtifactType
	Title          string
	Payload        map[string]any
	// PeriodStart/PeriodEnd is the interval the record's content pertains
	// to (e.g. a PR's merge date), not when it was fetched.
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Config carries per-organization connector settings, opaque to the core.
type Config map[string]string

// Connector fetches raw records from one external system.
type Connector interface {
	// System identifies the source this connector serves.
	System() contracts.SourceSystem
	// Fetch returns the next batch of records after cursor plus the cursor
	// to resume from. Re-calling with the same cursor must be safe.
	Fetch(ctx context.Context, orgID string, cfg Config, cursor string) ([]RawRecord, string, error)
}

// Base provides rate limiting and version metadata common to connectors.
type Base struct {
	system  contracts.SourceSystem
	version string
	limiter *rate.Limiter
}

// NewBase creates a Base with the given rate limit and burst.
func NewBase(system contracts.SourceSystem, version string, r rate.Limit, burst int) *Base {
	return &Base{
		system:  system,
		version: version,
		limiter: rate.NewLimiter(r, burst),
	}
}

func (b *Base) System() contracts.SourceSystem { return b.system }

// Version returns the connector version recorded in provenance.
func (b *Base) Version() string { return b.version }

// Wait blocks until the rate limiter allows a request.
func (b *Base) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
