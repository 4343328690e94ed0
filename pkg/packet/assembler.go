// Package packet selects approved evidence for a period and control set,
// freezes it under a verifiable manifest, and hands the bundle to the export
// destination. Partial coverage is allowed; hidden partial coverage is not.
package packet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/export"
	"github.com/trailproof/core/pkg/gaps"
	"github.com/trailproof/core/pkg/observability"
	"github.com/trailproof/core/pkg/store"
)

// DefaultAssemblyRetries bounds re-assembly after a concurrent content
// mutation invalidates a selection.
const DefaultAssemblyRetries = 3

// Assembler builds packets.
type Assembler struct {
	artifacts store.ArtifactStore
	packets   store.PacketStore
	detector  *gaps.Detector
	ledger    *approval.Ledger
	signKey   ed25519.PrivateKey
	retries   int
	metrics   *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

func NewAssembler(artifacts store.ArtifactStore, packets store.PacketStore, detector *gaps.Detector, ledger *approval.Ledger) *Assembler {
	return &Assembler{
		artifacts: artifacts,
		packets:   packets,
		detector:  detector,
		ledger:    ledger,
		retries:   DefaultAssemblyRetries,
		logger:    slog.Default().With("component", "packet"),
		clock:     time.Now,
	}
}

// WithSigningKey enables ed25519 manifest signing.
func (a *Assembler) WithSigningKey(key ed25519.PrivateKey) *Assembler {
	a.signKey = key
	return a
}

// WithClock overrides the clock for testing.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.clock = clock
	return a
}

// WithMetrics counts assembled and exported packets.
func (a *Assembler) WithMetrics(p *observability.Provider) *Assembler {
	a.metrics = p
	return a
}

// Assemble builds a packet for the period and control set. Assembly takes a
// point-in-time view rather than locking the dataset: selected artifacts are
// re-read before persisting, and a content hash that moved mid-assembly
// restarts the whole attempt. After the bounded retries the ConflictError
// surfaces to the caller.
func (a *Assembler) Assemble(ctx context.Context, orgID, requestedBy string, period contracts.Interval, controlIDs []string) (*contracts.Packet, error) {
	if len(controlIDs) == 0 {
		return nil, contracts.NewValidationError("control_ids", "must not be empty")
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		p, err := a.assembleOnce(ctx, orgID, requestedBy, period, controlIDs)
		if err == nil {
			a.metrics.RecordPacket(ctx, "assembled")
			return p, nil
		}
		var conflict *contracts.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
		a.logger.WarnContext(ctx, "assembly conflict, retrying from scratch",
			"org_id", orgID, "attempt", attempt+1, "artifact_id", conflict.ArtifactID)
	}
	return nil, fmt.Errorf("assembly failed after %d retries: %w", a.retries, lastErr)
}

func (a *Assembler) assembleOnce(ctx context.Context, orgID, requestedBy string, period contracts.Interval, controlIDs []string) (*contracts.Packet, error) {
	packetID := uuid.New().String()

	coverage := make([]ControlCoverage, 0, len(controlIDs))
	items := make([]ManifestItem, 0)

	for _, controlID := range controlIDs {
		report, err := a.detector.Coverage(ctx, orgID, controlID, period)
		if err != nil {
			return nil, fmt.Errorf("coverage query for %s failed: %w", controlID, err)
		}
		coverage = append(coverage, ControlCoverage{
			ControlID: controlID,
			Status:    report.Status,
			Gaps:      report.Gaps,
		})

		selected, err := a.selectApproved(ctx, orgID, controlID, report)
		if err != nil {
			return nil, err
		}
		items = append(items, selected...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ControlID != items[j].ControlID {
			return items[i].ControlID < items[j].ControlID
		}
		if !items[i].PeriodStart.Equal(items[j].PeriodStart) {
			return items[i].PeriodStart.Before(items[j].PeriodStart)
		}
		return items[i].ArtifactID < items[j].ArtifactID
	})
	for i := range items {
		items[i].Order = i
	}

	_, manifestHash, err := fingerprint(items)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint packet: %w", err)
	}

	manifest := &Manifest{
		Version:     ManifestVersion,
		PacketID:    packetID,
		OrgID:       orgID,
		Period:      period,
		GeneratedAt: a.clock().UTC(),
		GeneratedBy: requestedBy,
		Coverage:    coverage,
		Items:       items,
		MerkleRoot:  manifestHash,
		Signature:   sign(a.signKey, manifestHash),
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}

	// Snapshot check: any artifact whose content moved since selection
	// invalidates this attempt.
	if err := a.verifyFrozen(ctx, orgID, items); err != nil {
		return nil, err
	}

	p := &contracts.Packet{
		ID:           packetID,
		OrgID:        orgID,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		ControlIDs:   controlIDs,
		Status:       contracts.PacketDraft,
		ManifestHash: manifestHash,
		Manifest:     manifestJSON,
		CreatedAt:    a.clock().UTC(),
	}
	packetItems := make([]*contracts.PacketItem, len(items))
	for i, item := range items {
		packetItems[i] = &contracts.PacketItem{
			ID:          uuid.New().String(),
			PacketID:    packetID,
			ArtifactID:  item.ArtifactID,
			ControlID:   item.ControlID,
			ContentHash: item.ContentHash,
			Order:       item.Order,
		}
	}
	if err := a.packets.InsertPacket(ctx, p, packetItems); err != nil {
		return nil, fmt.Errorf("failed to persist packet: %w", err)
	}
	return p, nil
}

// selectApproved picks every approved artifact overlapping a covered
// sub-interval — all of them, not just one, since auditors may want multiple
// corroborating artifacts.
func (a *Assembler) selectApproved(ctx context.Context, orgID, controlID string, report *contracts.CoverageReport) ([]ManifestItem, error) {
	candidates, err := a.artifacts.ListForControl(ctx, orgID, controlID, report.Period.Start, report.Period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", controlID, err)
	}

	items := make([]ManifestItem, 0, len(candidates))
	for _, artifact := range candidates {
		status, err := a.ledger.CurrentStatus(ctx, orgID, artifact.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive status for %s: %w", artifact.ID, err)
		}
		if status != contracts.StatusApproved {
			continue
		}
		if !overlapsAny(artifact, report.Covered) {
			continue
		}
		items = append(items, ManifestItem{
			ArtifactID:   artifact.ID,
			ControlID:    controlID,
			ContentHash:  artifact.ContentHash,
			Title:        artifact.Title,
			SourceSystem: artifact.SourceSystem,
			SourceURL:    artifact.SourceURL,
			CapturedAt:   artifact.CapturedAt,
			PeriodStart:  artifact.PeriodStart,
			PeriodEnd:    artifact.PeriodEnd,
		})
	}
	return items, nil
}

func overlapsAny(a *contracts.EvidenceArtifact, intervals []contracts.Interval) bool {
	for _, iv := range intervals {
		if !a.PeriodStart.After(iv.End) && !a.PeriodEnd.Before(iv.Start) {
			return true
		}
	}
	return false
}

func (a *Assembler) verifyFrozen(ctx context.Context, orgID string, items []ManifestItem) error {
	for _, item := range items {
		live, err := a.artifacts.Get(ctx, orgID, item.ArtifactID)
		if err != nil {
			return fmt.Errorf("failed to re-read artifact %s: %w", item.ArtifactID, err)
		}
		if live.ContentHash != item.ContentHash {
			return &contracts.ConflictError{
				ArtifactID: item.ArtifactID,
				Frozen:     item.ContentHash,
				Live:       live.ContentHash,
			}
		}
	}
	return nil
}

// GetPacket returns a stored packet.
func (a *Assembler) GetPacket(ctx context.Context, orgID, packetID string) (*contracts.Packet, error) {
	return a.packets.GetPacket(ctx, orgID, packetID)
}

// Export verifies the packet's frozen hashes one final time and hands the
// manifest plus artifact payloads to the destination. A hash that moved
// since assembly re-assembles the packet from scratch — fresh selection,
// fresh manifest — and exports the replacement; the original stays behind as
// a draft. Only after the bounded retries does the ConflictError surface.
// Mismatched evidence is never exported. The returned packet is the one that
// actually shipped, which differs from the requested one after a
// re-assembly.
func (a *Assembler) Export(ctx context.Context, orgID, packetID string, dest export.Destination) (*contracts.Packet, string, error) {
	p, err := a.packets.GetPacket(ctx, orgID, packetID)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		ref, err := a.exportOnce(ctx, orgID, p, dest)
		if err == nil {
			return p, ref, nil
		}
		var conflict *contracts.ConflictError
		if !errors.As(err, &conflict) {
			return nil, "", err
		}
		lastErr = err
		a.logger.WarnContext(ctx, "export conflict, re-assembling packet",
			"org_id", orgID, "packet_id", p.ID, "attempt", attempt+1, "artifact_id", conflict.ArtifactID)

		period := contracts.Interval{Start: p.PeriodStart, End: p.PeriodEnd}
		fresh, err := a.assembleOnce(ctx, orgID, generatedBy(p), period, p.ControlIDs)
		if err != nil {
			if errors.As(err, &conflict) {
				continue
			}
			return nil, "", err
		}
		p = fresh
	}
	return nil, "", fmt.Errorf("export failed after %d retries: %w", a.retries, lastErr)
}

func (a *Assembler) exportOnce(ctx context.Context, orgID string, p *contracts.Packet, dest export.Destination) (string, error) {
	items, err := a.packets.PacketItems(ctx, p.ID)
	if err != nil {
		return "", err
	}

	blobs := make([]export.Blob, 0, len(items))
	for _, item := range items {
		live, err := a.artifacts.Get(ctx, orgID, item.ArtifactID)
		if err != nil {
			return "", fmt.Errorf("failed to read artifact %s: %w", item.ArtifactID, err)
		}
		if live.ContentHash != item.ContentHash {
			return "", &contracts.ConflictError{
				ArtifactID: item.ArtifactID,
				Frozen:     item.ContentHash,
				Live:       live.ContentHash,
			}
		}
		payload, err := json.MarshalIndent(live, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to serialize artifact %s: %w", item.ArtifactID, err)
		}
		blobs = append(blobs, export.Blob{
			Path:        blobPath(item, live),
			ContentHash: item.ContentHash,
			Data:        payload,
		})
	}

	ref, err := dest.Upload(ctx, export.Bundle{
		PacketID:     p.ID,
		OrgID:        orgID,
		ManifestHash: p.ManifestHash,
		Manifest:     p.Manifest,
		Blobs:        blobs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload packet: %w", err)
	}

	exportedAt := a.clock().UTC()
	if err := a.packets.MarkExported(ctx, orgID, p.ID, ref, exportedAt); err != nil {
		return "", err
	}
	p.Status = contracts.PacketExported
	p.ExportRef = ref
	p.ExportedAt = exportedAt
	a.metrics.RecordPacket(ctx, "exported")
	a.logger.InfoContext(ctx, "packet exported", "org_id", orgID, "packet_id", p.ID, "ref", ref)
	return ref, nil
}

// generatedBy recovers the original requester from the stored manifest so a
// re-assembled replacement carries the same attribution.
func generatedBy(p *contracts.Packet) string {
	var m Manifest
	if err := json.Unmarshal(p.Manifest, &m); err == nil && m.GeneratedBy != "" {
		return m.GeneratedBy
	}
	return "system"
}

func blobPath(item *contracts.PacketItem, a *contracts.EvidenceArtifact) string {
	return fmt.Sprintf("%s/evidence/%s/%s.json", item.ControlID, a.SourceSystem, a.ID)
}
