// Package normalizer converts raw connector records into canonical evidence
// artifacts. It is the only writer of artifact rows: one tagged
// canonicalization path per source variant, all converging on the single
// EvidenceArtifact shape. Writes are all-or-nothing per artifact.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trailproof/core/pkg/blob"
	"github.com/trailproof/core/pkg/canonicalize"
	"github.com/trailproof/core/pkg/connector"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/store"
)

// Outcome of a single normalization.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUpdated   Outcome = "updated"
)

// Normalizer upserts canonical artifacts from raw records.
type Normalizer struct {
	artifacts store.ArtifactStore
	mappings  store.MappingStore
	blobs     blob.Store
	profiles  Profiles
	schemas   schemaSet
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a Normalizer with the given profiles (nil means defaults).
func New(artifacts store.ArtifactStore, mappings store.MappingStore, profiles Profiles) (*Normalizer, error) {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		artifacts: artifacts,
		mappings:  mappings,
		profiles:  profiles,
		schemas:   schemas,
		logger:    slog.Default().With("component", "normalizer"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (n *Normalizer) WithClock(clock func() time.Time) *Normalizer {
	n.clock = clock
	return n
}

// WithBlobStore archives a content-addressed snapshot of each captured
// payload. The snapshot keyed by the artifact's content hash lets an auditor
// retrieve exactly the bytes a decision was made against, even after the
// artifact row is updated by a later capture.
func (n *Normalizer) WithBlobStore(blobs blob.Store) *Normalizer {
	n.blobs = blobs
	return n
}

func (n *Normalizer) archive(ctx context.Context, orgID string, content map[string]any) {
	if n.blobs == nil {
		return
	}
	data, err := canonicalize.Canonical(content)
	if err == nil {
		_, err = n.blobs.Put(ctx, data)
	}
	if err != nil {
		// Archival is best-effort; the content hash in the artifact row is
		// the authoritative record.
		n.logger.WarnContext(ctx, "payload archive failed", "org_id", orgID, "error", err)
	}
}

// Normalize validates rec, computes its content hash, and writes the artifact.
//
// Upsert semantics on the unique (org, source_system, source_object_id) key:
// absent → insert; present with unchanged hash → no-op (idempotent re-sync);
// present with changed hash → update in place, flag mappings for review. Any
// approval made against the old hash is stale by construction, so the
// artifact reverts to pending without touching the ledger.
func (n *Normalizer) Normalize(ctx context.Context, orgID, syncJobID string, rec connector.RawRecord) (*contracts.EvidenceArtifact, Outcome, error) {
	if err := n.validate(orgID, rec); err != nil {
		return nil, "", err
	}

	content := n.canonicalContent(rec)
	hash, err := canonicalize.ContentHash(content)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash content: %w", err)
	}

	existing, err := n.artifacts.GetBySource(ctx, orgID, rec.SourceSystem, rec.SourceObjectID)
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		artifact := &contracts.EvidenceArtifact{
			ID:             uuid.New().String(),
			OrgID:          orgID,
			SyncJobID:      syncJobID,
			SourceSystem:   rec.SourceSystem,
			SourceObjectID: rec.SourceObjectID,
			SourceURL:      rec.SourceURL,
			ArtifactType:   rec.ArtifactType,
			Title:          rec.Title,
			ContentHash:    hash,
			CapturedAt:     n.clock().UTC(),
			PeriodStart:    rec.PeriodStart,
			PeriodEnd:      rec.PeriodEnd,
			RawPayload:     rec.Payload,
		}
		if err := n.artifacts.Insert(ctx, artifact); err != nil {
			return nil, "", fmt.Errorf("failed to insert artifact: %w", err)
		}
		n.archive(ctx, orgID, content)
		return artifact, OutcomeCreated, nil

	case err != nil:
		return nil, "", fmt.Errorf("failed to look up artifact: %w", err)

	case existing.ContentHash == hash:
		return existing, OutcomeUnchanged, nil

	default:
		existing.SourceURL = rec.SourceURL
		existing.ArtifactType = rec.ArtifactType
		existing.Title = rec.Title
		existing.ContentHash = hash
		existing.CapturedAt = n.clock().UTC()
		existing.PeriodStart = rec.PeriodStart
		existing.PeriodEnd = rec.PeriodEnd
		existing.RawPayload = rec.Payload
		if err := n.artifacts.Update(ctx, existing); err != nil {
			return nil, "", fmt.Errorf("failed to update artifact: %w", err)
		}
		if err := n.mappings.MarkNeedsReview(ctx, orgID, existing.ID); err != nil {
			return nil, "", fmt.Errorf("failed to flag mappings for review: %w", err)
		}
		n.archive(ctx, orgID, content)
		n.logger.InfoContext(ctx, "artifact content changed",
			"org_id", orgID, "artifact_id", existing.ID, "content_hash", hash)
		return existing, OutcomeUpdated, nil
	}
}

func (n *Normalizer) validate(orgID string, rec connector.RawRecord) error {
	if orgID == "" {
		return contracts.NewValidationError("org_id", "must not be empty")
	}
	if rec.SourceObjectID == "" {
		return contracts.NewValidationError("source_object_id", "must not be empty")
	}
	if rec.SourceURL == "" {
		return contracts.NewValidationError("source_url", "must not be empty")
	}
	if rec.PeriodStart.IsZero() || rec.PeriodEnd.IsZero() {
		return contracts.NewValidationError("content_period", "must not be empty")
	}
	if rec.PeriodEnd.Before(rec.PeriodStart) {
		return contracts.NewValidationError("content_period", "end precedes start")
	}

	if schema, ok := n.schemas[rec.SourceSystem]; ok {
		if err := schema.Validate(jsonCompatible(rec.Payload)); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return contracts.NewValidationError("payload"+verr.InstanceLocation, verr.Message)
			}
			return contracts.NewValidationError("payload", err.Error())
		}
		return nil
	}

	// Sources added through profile configuration have no built-in schema;
	// the profile's required field list gates them instead.
	profile, ok := n.profiles[rec.SourceSystem]
	if !ok {
		return contracts.NewValidationError("source_system", fmt.Sprintf("unknown source %q", rec.SourceSystem))
	}
	for _, field := range profile.Required {
		if _, present := rec.Payload[field]; !present {
			return contracts.NewValidationError("payload/"+field, "required field is missing")
		}
	}
	return nil
}

// canonicalContent extracts the profile's content fields from the payload.
// Missing optional fields are simply absent from the canonical form, which
// keeps the hash stable across sources that omit them.
func (n *Normalizer) canonicalContent(rec connector.RawRecord) map[string]any {
	profile, ok := n.profiles[rec.SourceSystem]
	if !ok {
		profile = Profile{ContentFields: sortedKeys(rec.Payload)}
	}

	content := map[string]any{
		"source_system":    string(rec.SourceSystem),
		"source_object_id": rec.SourceObjectID,
		"artifact_type":    string(rec.ArtifactType),
		"title":            rec.Title,
	}
	for _, field := range profile.ContentFields {
		if v, ok := rec.Payload[field]; ok {
			content[field] = v
		}
	}
	return content
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonCompatible coerces payload values into the types the schema validator
// expects (the shapes encoding/json produces).
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
