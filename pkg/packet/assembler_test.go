package packet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/export"
	"github.com/trailproof/core/pkg/gaps"
	"github.com/trailproof/core/pkg/store"
)

type fixture struct {
	assembler *Assembler
	ledger    *approval.Ledger
	store     *store.SQLStore
	ctx       context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSQLStore(db)

	ctx := context.Background()
	for _, id := range []string{"CC7.1", "CC7.2"} {
		require.NoError(t, s.PutControl(ctx, &contracts.Control{
			ID: id, Framework: "SOC2", Name: id, Granularity: contracts.GranularityMonthly,
		}))
	}

	ledger := approval.NewLedger(s, s)
	detector := gaps.NewDetector(s, s, ledger)
	return &fixture{
		assembler: NewAssembler(s, s, detector, ledger),
		ledger:    ledger,
		store:     s,
		ctx:       ctx,
	}
}

func (f *fixture) addEvidence(t *testing.T, id, controlID string, day time.Time, approve bool) {
	t.Helper()
	a := &contracts.EvidenceArtifact{
		ID: id, OrgID: "org-1",
		SourceSystem: contracts.SourceGitHub, SourceObjectID: "obj-" + id,
		SourceURL: "https://github.com/acme/infra/pull/1",
		ArtifactType: contracts.ArtifactPullRequest, Title: id,
		ContentHash: "sha256:" + id, CapturedAt: day,
		PeriodStart: day, PeriodEnd: day,
		RawPayload: map[string]any{"title": id},
	}
	require.NoError(t, f.store.Insert(f.ctx, a))
	require.NoError(t, f.store.InsertMapping(f.ctx, &contracts.ControlMapping{
		ID: "map-" + id + "-" + controlID, OrgID: "org-1", ArtifactID: id, ControlID: controlID,
		Source: contracts.MappingAuto, Confidence: 0.9, CreatedBy: "system", CreatedAt: day,
	}))
	if approve {
		_, err := f.ledger.RecordDecision(f.ctx, "org-1", id, contracts.DecisionApproved, "user-1", "")
		require.NoError(t, err)
	}
}

func q1() contracts.Interval {
	return contracts.Interval{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC),
	}
}

func parseManifest(t *testing.T, p *contracts.Packet) *Manifest {
	t.Helper()
	var m Manifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	return &m
}

func TestAssembleCompleteCoverage(t *testing.T) {
	f := newFixture(t)
	for m := 1; m <= 3; m++ {
		f.addEvidence(t, "art-"+time.Month(m).String(), "CC7.1",
			time.Date(2026, time.Month(m), 10, 0, 0, 0, 0, time.UTC), true)
	}

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)
	require.Equal(t, contracts.PacketDraft, p.Status)
	require.NotEmpty(t, p.ManifestHash)

	m := parseManifest(t, p)
	require.Equal(t, contracts.CoverageComplete, m.Coverage[0].Status)
	require.Len(t, m.Items, 3)
	require.Equal(t, p.ManifestHash, m.MerkleRoot)
	require.NoError(t, VerifyManifest(m))

	items, err := f.store.PacketItems(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "sha256:art-January", items[0].ContentHash, "frozen at selection time")
}

func TestAssemblePartialCoverageIsExplicit(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", "CC7.1", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err, "partial export is allowed")

	m := parseManifest(t, p)
	require.Equal(t, contracts.CoveragePartial, m.Coverage[0].Status,
		"the manifest must record partial status, never silently claim completeness")
	require.Len(t, m.Coverage[0].Gaps, 2)
}

func TestAssembleSelectsAllCorroboratingArtifacts(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	f.addEvidence(t, "art-a", "CC7.1", day, true)
	f.addEvidence(t, "art-b", "CC7.1", day.Add(24*time.Hour), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	m := parseManifest(t, p)
	require.Len(t, m.Items, 2, "all corroborating artifacts in a covered window are selected")
}

func TestAssembleExcludesPendingArtifacts(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	f.addEvidence(t, "art-approved", "CC7.1", day, true)
	f.addEvidence(t, "art-pending", "CC7.1", day, false)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	m := parseManifest(t, p)
	require.Len(t, m.Items, 1)
	require.Equal(t, "art-approved", m.Items[0].ArtifactID)
}

func TestAssembleValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), nil)
	var vErr *contracts.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"ZZ9.9"})
	require.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestAssembleDeterministicManifestHash(t *testing.T) {
	f := newFixture(t)
	for m := 1; m <= 3; m++ {
		f.addEvidence(t, "art-"+time.Month(m).String(), "CC7.1",
			time.Date(2026, time.Month(m), 10, 0, 0, 0, 0, time.UTC), true)
	}

	p1, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)
	p2, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)
	require.Equal(t, p1.ManifestHash, p2.ManifestHash,
		"same selection yields the same fingerprint")
}

func TestManifestSigning(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := newFixture(t)
	f.assembler.WithSigningKey(priv)
	f.addEvidence(t, "art-jan", "CC7.1", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	m := parseManifest(t, p)
	require.NotEmpty(t, m.Signature)
	require.True(t, VerifySignature(pub, m.MerkleRoot, m.Signature))
	require.False(t, VerifySignature(pub, m.MerkleRoot, "deadbeef"))
}

func TestVerifyManifestDetectsTampering(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", "CC7.1", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	m := parseManifest(t, p)
	m.Items[0].ContentHash = "sha256:tampered"
	require.Error(t, VerifyManifest(m))
}

func TestExportWritesBundleAndMarksPacket(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", "CC7.1", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	dest, err := export.NewFilesystemDestination(t.TempDir())
	require.NoError(t, err)

	shipped, ref, err := f.assembler.Export(f.ctx, "org-1", p.ID, dest)
	require.NoError(t, err)
	require.Contains(t, ref, "file://")
	require.Equal(t, p.ID, shipped.ID)
	require.Equal(t, contracts.PacketExported, shipped.Status)

	exported, err := f.store.GetPacket(f.ctx, "org-1", p.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PacketExported, exported.Status)
	require.Equal(t, ref, exported.ExportRef)
}

func TestExportConflictReassembles(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", "CC7.1", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), true)
	f.addEvidence(t, "art-feb", "CC7.1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), true)

	p, err := f.assembler.Assemble(f.ctx, "org-1", "user-1", q1(), []string{"CC7.1"})
	require.NoError(t, err)

	// Concurrent re-sync changes one artifact after assembly. Its approval
	// is bound to the old hash, so the artifact is pending again.
	live, err := f.store.Get(f.ctx, "org-1", "art-jan")
	require.NoError(t, err)
	live.ContentHash = "sha256:moved"
	require.NoError(t, f.store.Update(f.ctx, live))

	dest, err := export.NewFilesystemDestination(t.TempDir())
	require.NoError(t, err)

	shipped, ref, err := f.assembler.Export(f.ctx, "org-1", p.ID, dest)
	require.NoError(t, err, "an export-time conflict re-assembles instead of failing outright")
	require.NotEqual(t, p.ID, shipped.ID, "the replacement is a fresh packet")
	require.Equal(t, contracts.PacketExported, shipped.Status)
	require.Equal(t, ref, shipped.ExportRef)

	m := parseManifest(t, shipped)
	require.Equal(t, "user-1", m.GeneratedBy, "the replacement keeps the original requester")
	require.Len(t, m.Items, 1)
	require.Equal(t, "art-feb", m.Items[0].ArtifactID, "mismatched evidence is never exported")

	original, err := f.store.GetPacket(f.ctx, "org-1", p.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PacketDraft, original.Status, "the conflicted packet is never marked exported")
}
