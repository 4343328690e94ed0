package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/store"
)

type fixture struct {
	detector *Detector
	ledger   *approval.Ledger
	store    *store.SQLStore
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSQLStore(db)

	ctx := context.Background()
	require.NoError(t, s.PutControl(ctx, &contracts.Control{
		ID: "CC7.1", Framework: "SOC2", Name: "Change Management",
		Granularity: contracts.GranularityMonthly,
	}))

	ledger := approval.NewLedger(s, s)
	return &fixture{
		detector: NewDetector(s, s, ledger),
		ledger:   ledger,
		store:    s,
		ctx:      ctx,
	}
}

// addEvidence inserts an artifact whose content period is the given day,
// maps it to CC7.1, and optionally approves it.
func (f *fixture) addEvidence(t *testing.T, id string, day time.Time, approve bool) {
	t.Helper()
	a := &contracts.EvidenceArtifact{
		ID: id, OrgID: "org-1",
		SourceSystem: contracts.SourceGitHub, SourceObjectID: "obj-" + id,
		SourceURL: "https://github.com/acme/infra/pull/1",
		ArtifactType: contracts.ArtifactPullRequest, Title: id,
		ContentHash: "sha256:" + id, CapturedAt: day,
		PeriodStart: day, PeriodEnd: day,
	}
	require.NoError(t, f.store.Insert(f.ctx, a))
	require.NoError(t, f.store.InsertMapping(f.ctx, &contracts.ControlMapping{
		ID: "map-" + id, OrgID: "org-1", ArtifactID: id, ControlID: "CC7.1",
		Source: contracts.MappingAuto, Confidence: 0.9, CreatedBy: "system",
		CreatedAt: day,
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

func TestCoveragePartialNamesTheGapMonth(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), true)
	f.addEvidence(t, "art-mar", time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), true)

	report, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", q1())
	require.NoError(t, err)
	require.Equal(t, contracts.CoveragePartial, report.Status)
	require.Len(t, report.Covered, 2)
	require.Len(t, report.Gaps, 1, "exactly February is missing")
	require.Equal(t, time.Month(2), report.Gaps[0].Start.Month())
}

func TestCoverageComplete(t *testing.T) {
	f := newFixture(t)
	for m := 1; m <= 3; m++ {
		f.addEvidence(t, "art-"+time.Month(m).String(),
			time.Date(2026, time.Month(m), 10, 0, 0, 0, 0, time.UTC), true)
	}

	report, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", q1())
	require.NoError(t, err)
	require.Equal(t, contracts.CoverageComplete, report.Status)
	require.Empty(t, report.Gaps)
}

func TestCoverageMissingWhenNothingMapped(t *testing.T) {
	f := newFixture(t)

	report, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", q1())
	require.NoError(t, err)
	require.Equal(t, contracts.CoverageMissing, report.Status,
		"zero mapped artifacts is missing, not partial")
	require.Len(t, report.Gaps, 3)
	require.Empty(t, report.Covered)
}

func TestCoveragePendingApprovalDoesNotCover(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false)

	report, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", q1())
	require.NoError(t, err)
	require.Equal(t, contracts.CoverageMissing, report.Status,
		"mapped but unapproved evidence covers nothing")
}

func TestCoverageRejectedDoesNotCover(t *testing.T) {
	f := newFixture(t)
	f.addEvidence(t, "art-jan", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false)
	_, err := f.ledger.RecordDecision(f.ctx, "org-1", "art-jan", contracts.DecisionRejected, "user-1", "")
	require.NoError(t, err)

	report, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", q1())
	require.NoError(t, err)
	require.Equal(t, contracts.CoverageMissing, report.Status)
}

func TestCoverageUnknownControl(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector.Coverage(f.ctx, "org-1", "ZZ9.9", q1())
	require.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCoverageInvertedPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector.Coverage(f.ctx, "org-1", "CC7.1", contracts.Interval{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var vErr *contracts.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestPartitionMonthly(t *testing.T) {
	parts := Partition(q1(), contracts.GranularityMonthly)
	require.Len(t, parts, 3)
	require.True(t, parts[0].Start.Equal(q1().Start), "first window clips to the period start")
	require.Equal(t, time.Month(2), parts[1].Start.Month())
	require.True(t, parts[2].End.Equal(q1().End), "last window clips to the period end")
}

func TestPartitionMonthlyMidMonthStart(t *testing.T) {
	period := contracts.Interval{
		Start: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
	}
	parts := Partition(period, contracts.GranularityMonthly)
	require.Len(t, parts, 2, "calendar-aligned: a January window and a February window")
	require.True(t, parts[0].Start.Equal(period.Start))
	require.Equal(t, 1, parts[1].Start.Day())
}

func TestPartitionQuarterly(t *testing.T) {
	period := contracts.Interval{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	parts := Partition(period, contracts.GranularityQuarterly)
	require.Len(t, parts, 4)
	require.Equal(t, time.Month(4), parts[1].Start.Month())
}

func TestPartitionDailyAndWeekly(t *testing.T) {
	period := contracts.Interval{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC),
	}
	require.Len(t, Partition(period, contracts.GranularityDaily), 14)
	require.Len(t, Partition(period, contracts.GranularityWeekly), 2)
}
