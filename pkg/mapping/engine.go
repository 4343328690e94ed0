// Package mapping assigns control mappings to artifacts, reconciling
// automated suggestions with manual overrides. Automated and manual records
// coexist: a manual mapping takes precedence for reporting but never
// destroys the automated record, which stays in the audit trail.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/store"
)

// Suggestion is one (control, confidence) pair from a scorer.
type Suggestion struct {
	ControlID  string
	Confidence float64
	Rationale  string
}

// Scorer is the automated mapping collaborator. Implementations may call out
// to an AI service; the engine treats them as a black box.
type Scorer interface {
	Suggest(ctx context.Context, artifact *contracts.EvidenceArtifact) ([]Suggestion, error)
}

// Engine persists mappings from both paths and computes the effective
// mapping per (artifact, control) pair.
type Engine struct {
	artifacts store.ArtifactStore
	mappings  store.MappingStore
	controls  store.ControlStore
	scorer    Scorer
	threshold float64
	logger    *slog.Logger
	clock     func() time.Time
}

// SystemActor is recorded as created_by on automated mappings.
const SystemActor = "system"

func NewEngine(artifacts store.ArtifactStore, mappings store.MappingStore, controls store.ControlStore, scorer Scorer, threshold float64) *Engine {
	return &Engine{
		artifacts: artifacts,
		mappings:  mappings,
		controls:  controls,
		scorer:    scorer,
		threshold: threshold,
		logger:    slog.Default().With("component", "mapping"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// AutoMap runs the scorer over an artifact and persists suggestions at or
// above the acceptance threshold as source=auto mappings. Sub-threshold
// suggestions are noise, not evidence, and are discarded.
//
// Scorer failure never fails the ingest pipeline: it degrades to "no
// suggestion" and is logged.
func (e *Engine) AutoMap(ctx context.Context, artifact *contracts.EvidenceArtifact) ([]*contracts.ControlMapping, error) {
	suggestions, err := e.scorer.Suggest(ctx, artifact)
	if err != nil {
		e.logger.WarnContext(ctx, "scorer unavailable, continuing without suggestions",
			"org_id", artifact.OrgID, "artifact_id", artifact.ID, "error", err)
		return nil, nil
	}

	accepted := make([]*contracts.ControlMapping, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Confidence < e.threshold {
			continue
		}
		if _, err := e.controls.GetControl(ctx, s.ControlID); err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				e.logger.WarnContext(ctx, "scorer suggested unknown control",
					"control_id", s.ControlID, "artifact_id", artifact.ID)
				continue
			}
			return nil, fmt.Errorf("failed to resolve control %s: %w", s.ControlID, err)
		}

		m := &contracts.ControlMapping{
			ID:         uuid.New().String(),
			OrgID:      artifact.OrgID,
			ArtifactID: artifact.ID,
			ControlID:  s.ControlID,
			Source:     contracts.MappingAuto,
			Confidence: s.Confidence,
			Rationale:  s.Rationale,
			CreatedBy:  SystemActor,
			CreatedAt:  e.clock().UTC(),
		}
		if err := e.mappings.InsertMapping(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to persist auto mapping: %w", err)
		}
		accepted = append(accepted, m)
	}
	return accepted, nil
}

// ManualMap records a human mapping decision. Manual mappings carry
// confidence 1.0 and are always accepted regardless of threshold. The
// control must exist; the artifact must exist and belong to the org.
func (e *Engine) ManualMap(ctx context.Context, orgID, artifactID, controlID, actorID, rationale string) (*contracts.ControlMapping, error) {
	if _, err := e.controls.GetControl(ctx, controlID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, fmt.Errorf("control %s: %w", controlID, contracts.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve control %s: %w", controlID, err)
	}
	if _, err := e.artifacts.Get(ctx, orgID, artifactID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, fmt.Errorf("artifact %s: %w", artifactID, contracts.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve artifact %s: %w", artifactID, err)
	}

	m := &contracts.ControlMapping{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		ArtifactID: artifactID,
		ControlID:  controlID,
		Source:     contracts.MappingManual,
		Confidence: 1.0,
		Rationale:  rationale,
		CreatedBy:  actorID,
		CreatedAt:  e.clock().UTC(),
	}
	if err := e.mappings.InsertMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist manual mapping: %w", err)
	}
	return m, nil
}

// EffectiveForArtifact returns the effective mapping per control for one
// artifact: the manual mapping if any exists, otherwise the
// highest-confidence automated one. Superseded records are ignored.
func (e *Engine) EffectiveForArtifact(ctx context.Context, orgID, artifactID string) (map[string]*contracts.ControlMapping, error) {
	all, err := e.mappings.ListMappingsByArtifact(ctx, orgID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return Effective(all), nil
}

// Effective reduces a mapping list to the effective record per control ID.
func Effective(all []*contracts.ControlMapping) map[string]*contracts.ControlMapping {
	result := make(map[string]*contracts.ControlMapping)
	for _, m := range all {
		if m.Superseded {
			continue
		}
		current, ok := result[m.ControlID]
		if !ok {
			result[m.ControlID] = m
			continue
		}
		switch {
		case m.Source == contracts.MappingManual && current.Source != contracts.MappingManual:
			result[m.ControlID] = m
		case m.Source == contracts.MappingManual && current.Source == contracts.MappingManual:
			// Later manual decision wins.
			if m.CreatedAt.After(current.CreatedAt) {
				result[m.ControlID] = m
			}
		case m.Source == contracts.MappingAuto && current.Source == contracts.MappingAuto:
			if m.Confidence > current.Confidence {
				result[m.ControlID] = m
			}
		}
	}
	return result
}
